package registry

import "sort"

// RoomStore maps room ids to their member sets. A room exists only while it
// has at least one member.
type RoomStore struct {
	rooms map[string]map[string]struct{}
}

func NewRoomStore() *RoomStore {
	return &RoomStore{rooms: make(map[string]map[string]struct{})}
}

// Join adds peerID to roomID, creating the room if needed, and returns the
// members after insertion.
func (s *RoomStore) Join(roomID, peerID string) []string {
	members, ok := s.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		s.rooms[roomID] = members
	}
	members[peerID] = struct{}{}
	return sortedKeys(members)
}

// Leave removes peerID from roomID and deletes the room once it is empty. It
// reports whether the peer was a member.
func (s *RoomStore) Leave(roomID, peerID string) bool {
	members, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[peerID]; !ok {
		return false
	}
	delete(members, peerID)
	if len(members) == 0 {
		delete(s.rooms, roomID)
	}
	return true
}

// Members returns the sorted members of roomID. Unknown rooms have no members.
func (s *RoomStore) Members(roomID string) []string {
	return sortedKeys(s.rooms[roomID])
}

func (s *RoomStore) Contains(roomID, peerID string) bool {
	_, ok := s.rooms[roomID][peerID]
	return ok
}

func (s *RoomStore) Exists(roomID string) bool {
	_, ok := s.rooms[roomID]
	return ok
}

// RoomsOf returns every room peerID is a member of, sorted. A peer may belong
// to several rooms because joining a room does not leave the previous one.
func (s *RoomStore) RoomsOf(peerID string) []string {
	var out []string
	for roomID, members := range s.rooms {
		if _, ok := members[peerID]; ok {
			out = append(out, roomID)
		}
	}
	sort.Strings(out)
	return out
}

func (s *RoomStore) Len() int { return len(s.rooms) }

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
