package registry

import (
	"sort"
	"time"
)

// UnknownDeviceType is recorded when a peer registers without a device type.
const UnknownDeviceType = "unknown"

// Peer is the metadata tracked for a registered peer.
type Peer struct {
	ID         string
	DeviceType string
	// RoomID is the room the peer most recently joined. Empty means none.
	RoomID   string
	LastSeen time.Time
	// Addr is the transport-level remote address seen at registration. It is
	// informational only.
	Addr string
}

// PeerStore maps peer ids to their metadata.
type PeerStore struct {
	peers map[string]*Peer
}

func NewPeerStore() *PeerStore {
	return &PeerStore{peers: make(map[string]*Peer)}
}

// Register inserts or overwrites the record for id. Re-registering resets the
// room and refreshes LastSeen.
func (s *PeerStore) Register(id, deviceType, addr string, now time.Time) {
	if deviceType == "" {
		deviceType = UnknownDeviceType
	}
	s.peers[id] = &Peer{
		ID:         id,
		DeviceType: deviceType,
		LastSeen:   now,
		Addr:       addr,
	}
}

// Touch refreshes LastSeen. It reports false when the peer is unknown.
func (s *PeerStore) Touch(id string, now time.Time) bool {
	p, ok := s.peers[id]
	if !ok {
		return false
	}
	p.LastSeen = now
	return true
}

// SetRoom records roomID as the peer's current room. An empty roomID clears it.
func (s *PeerStore) SetRoom(id, roomID string) bool {
	p, ok := s.peers[id]
	if !ok {
		return false
	}
	p.RoomID = roomID
	return true
}

func (s *PeerStore) Exists(id string) bool {
	_, ok := s.peers[id]
	return ok
}

// Get returns a copy of the peer record.
func (s *PeerStore) Get(id string) (Peer, bool) {
	p, ok := s.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

func (s *PeerStore) Remove(id string) {
	delete(s.peers, id)
}

func (s *PeerStore) Len() int { return len(s.peers) }

// StaleBefore returns the ids of peers last seen before cutoff, sorted.
func (s *PeerStore) StaleBefore(cutoff time.Time) []string {
	var out []string
	for id, p := range s.peers {
		if p.LastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
