package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
)

var (
	ErrTargetNotFound = errors.New("target peer not found")
	ErrRoomNotFound   = errors.New("room not found")
)

const (
	DefaultMaxCandidatesPerPeer    = 256
	DefaultMaxNotificationsPerPeer = 256
)

// Options configures a Registry. Zero values are usable: the real clock, a
// private metrics registry and unbounded queues.
type Options struct {
	Clock   Clock
	Metrics *metrics.Metrics

	// MaxCandidatesPerPeer caps each target's ICE candidate queue (<= 0 means
	// unbounded). The oldest candidates are dropped first.
	MaxCandidatesPerPeer int
	// MaxNotificationsPerPeer caps each peer's notification queue (<= 0 means
	// unbounded).
	MaxNotificationsPerPeer int
}

// Registry is the rendezvous service state. It owns the peer store, the room
// store and the mailbox, and every exported method is one atomic operation
// under a single mutex. Stores are always touched in the same order: peers,
// rooms, mailbox.
type Registry struct {
	clock   Clock
	metrics *metrics.Metrics

	mu      sync.Mutex
	peers   *PeerStore
	rooms   *RoomStore
	mailbox *Mailbox

	onPending func(peerID string)
}

func New(opts Options) *Registry {
	clock := opts.Clock
	if clock == nil {
		clock = RealClock{}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	r := &Registry{
		clock:   clock,
		metrics: m,
		peers:   NewPeerStore(),
		rooms:   NewRoomStore(),
		mailbox: NewMailbox(opts.MaxCandidatesPerPeer, opts.MaxNotificationsPerPeer),
	}
	m.SetGauge(metrics.GaugePeers, func() int64 { return int64(r.Stats().Peers) })
	m.SetGauge(metrics.GaugeRooms, func() int64 { return int64(r.Stats().Rooms) })
	return r
}

func (r *Registry) Metrics() *metrics.Metrics { return r.metrics }

// SetPendingHook installs fn to be called, outside the registry lock, for every
// peer that received new mailbox entries or notifications. It must be set
// before the registry is shared between goroutines.
func (r *Registry) SetPendingHook(fn func(peerID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPending = fn
}

// Register creates or resets the record for peerID.
func (r *Registry) Register(peerID, deviceType, addr string) {
	r.register(peerID, deviceType, addr)
	r.metrics.Inc(metrics.PeerRegistered)
}

func (r *Registry) register(peerID, deviceType, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers.Register(peerID, deviceType, addr, r.clock.Now())
}

// Heartbeat refreshes the peer's last-seen time and reports whether the peer is
// registered.
func (r *Registry) Heartbeat(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers.Touch(peerID, r.clock.Now())
}

// JoinRoom adds peerID to roomID and returns the other members, sorted. The
// acting peer does not need to be registered. Existing members are notified
// the first time the peer joins.
func (r *Registry) JoinRoom(peerID, roomID string) []string {
	others, hook, notified := r.joinRoom(peerID, roomID)
	r.metrics.Inc(metrics.RoomJoined)
	firePending(hook, notified)
	return others
}

// The hook runs after the lock is released, so every locked section returns
// the peers to wake instead of calling it.
func (r *Registry) joinRoom(peerID, roomID string) (others []string, hook func(string), notified []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.peers.Touch(peerID, now)
	r.peers.SetRoom(peerID, roomID)

	wasMember := r.rooms.Contains(roomID, peerID)
	members := r.rooms.Join(roomID, peerID)
	others = without(members, peerID)

	if !wasMember {
		n := Notification{
			Kind:       NotificationPeerJoined,
			PeerID:     peerID,
			DeviceType: r.deviceTypeLocked(peerID),
			RoomID:     roomID,
			Timestamp:  now,
		}
		notified = r.notifyLocked(others, n)
	}
	return others, r.onPending, notified
}

// LeaveRoom removes peerID from roomID and clears the peer's recorded room.
// The recorded room is cleared even when it differs from roomID.
func (r *Registry) LeaveRoom(peerID, roomID string) {
	left, hook, notified := r.leaveRoom(peerID, roomID)
	if left {
		r.metrics.Inc(metrics.RoomLeft)
	}
	firePending(hook, notified)
}

func (r *Registry) leaveRoom(peerID, roomID string) (left bool, hook func(string), notified []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.peers.Touch(peerID, now)
	r.peers.SetRoom(peerID, "")
	left = r.rooms.Leave(roomID, peerID)

	if left {
		n := Notification{
			Kind:       NotificationPeerLeft,
			PeerID:     peerID,
			DeviceType: r.deviceTypeLocked(peerID),
			RoomID:     roomID,
			Timestamp:  now,
		}
		notified = r.notifyLocked(r.rooms.Members(roomID), n)
	}
	return left, r.onPending, notified
}

// RoomPeers returns the members of roomID other than exclude. The result is
// never nil.
func (r *Registry) RoomPeers(roomID, exclude string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return without(r.rooms.Members(roomID), exclude)
}

// Members returns every member of roomID, sorted.
func (r *Registry) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms.Members(roomID)
}

// Member describes one room member for RoomInfo. Registered is false for
// members that joined without registering; their DeviceType is
// UnknownDeviceType and LastSeen is zero.
type Member struct {
	PeerID     string
	DeviceType string
	LastSeen   time.Time
	Registered bool
}

type RoomInfo struct {
	RoomID  string
	Members []Member
}

// RoomInfo describes roomID, or returns ErrRoomNotFound.
func (r *Registry) RoomInfo(roomID string) (RoomInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.rooms.Exists(roomID) {
		return RoomInfo{}, ErrRoomNotFound
	}
	ids := r.rooms.Members(roomID)
	info := RoomInfo{RoomID: roomID, Members: make([]Member, 0, len(ids))}
	for _, id := range ids {
		m := Member{PeerID: id, DeviceType: UnknownDeviceType}
		if p, ok := r.peers.Get(id); ok {
			m.DeviceType = p.DeviceType
			m.LastSeen = p.LastSeen
			m.Registered = true
		}
		info.Members = append(info.Members, m)
	}
	return info, nil
}

// RelayOffer stores payload as the pending offer for target, replacing any
// unread one. It returns ErrTargetNotFound without mutating anything when the
// target is not registered.
func (r *Registry) RelayOffer(from, target string, payload any, roomID string) error {
	return r.relay(SignalOffer, from, target, payload, roomID)
}

// RelayAnswer is RelayOffer for answers.
func (r *Registry) RelayAnswer(from, target string, payload any, roomID string) error {
	return r.relay(SignalAnswer, from, target, payload, roomID)
}

// RelayCandidate appends payload to the target's candidate queue.
func (r *Registry) RelayCandidate(from, target string, payload any, roomID string) error {
	return r.relay(SignalCandidate, from, target, payload, roomID)
}

func (r *Registry) relay(kind SignalKind, from, target string, payload any, roomID string) error {
	hook, dropped, err := r.store(kind, from, target, payload, roomID)
	if err != nil {
		r.metrics.Inc(metrics.RelayTargetNotFound)
		return err
	}

	switch kind {
	case SignalOffer:
		r.metrics.Inc(metrics.OfferRelayed)
	case SignalAnswer:
		r.metrics.Inc(metrics.AnswerRelayed)
	default:
		r.metrics.Inc(metrics.ICECandidateRelayed)
	}
	if dropped > 0 {
		r.metrics.Add(metrics.ICECandidateDropped, uint64(dropped))
	}
	firePending(hook, []string{target})
	return nil
}

func (r *Registry) store(kind SignalKind, from, target string, payload any, roomID string) (hook func(string), dropped int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.peers.Exists(target) {
		return nil, 0, ErrTargetNotFound
	}
	sig := Signal{
		From:      from,
		Payload:   payload,
		RoomID:    roomID,
		Timestamp: r.clock.Now(),
	}
	switch kind {
	case SignalOffer:
		r.mailbox.PutOffer(target, sig)
	case SignalAnswer:
		r.mailbox.PutAnswer(target, sig)
	default:
		dropped = r.mailbox.AppendCandidate(target, sig)
	}
	return r.onPending, dropped, nil
}

// DrainSignals returns and clears every signal pending for peerID.
func (r *Registry) DrainSignals(peerID string) []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mailbox.Drain(peerID)
}

// DrainNotifications returns and clears the peer's notification queue.
func (r *Registry) DrainNotifications(peerID string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mailbox.DrainNotifications(peerID)
}

// HasPending reports whether peerID has signals or notifications waiting.
func (r *Registry) HasPending(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mailbox.HasPending(peerID) || r.mailbox.HasNotifications(peerID)
}

func (r *Registry) PeerExists(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers.Exists(peerID)
}

// Stats is a point-in-time count of registered peers and live rooms.
type Stats struct {
	Peers int
	Rooms int
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Peers: r.peers.Len(), Rooms: r.rooms.Len()}
}

// StalePeers returns the peers not seen within staleAfter.
func (r *Registry) StalePeers(staleAfter time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers.StaleBefore(r.clock.Now().Add(-staleAfter))
}

// ReapIfStale removes peerID when it is still stale: it leaves every room it is
// a member of (remaining members get a peer_left notification), its mailbox is
// discarded and its record deleted. A peer touched since it was found stale is
// kept.
func (r *Registry) ReapIfStale(peerID string, staleAfter time.Duration) bool {
	reaped, hook, notified := r.reapIfStale(peerID, staleAfter)
	if !reaped {
		return false
	}
	r.metrics.Inc(metrics.PeerReaped)
	firePending(hook, notified)
	return true
}

func (r *Registry) reapIfStale(peerID string, staleAfter time.Duration) (reaped bool, hook func(string), notified []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	p, ok := r.peers.Get(peerID)
	if !ok || !p.LastSeen.Before(now.Add(-staleAfter)) {
		return false, nil, nil
	}

	for _, roomID := range r.rooms.RoomsOf(peerID) {
		r.rooms.Leave(roomID, peerID)
		n := Notification{
			Kind:       NotificationPeerLeft,
			PeerID:     peerID,
			DeviceType: p.DeviceType,
			RoomID:     roomID,
			Timestamp:  now,
		}
		notified = append(notified, r.notifyLocked(r.rooms.Members(roomID), n)...)
	}
	r.mailbox.Discard(peerID)
	r.peers.Remove(peerID)
	return true, r.onPending, notified
}

func (r *Registry) deviceTypeLocked(peerID string) string {
	if p, ok := r.peers.Get(peerID); ok {
		return p.DeviceType
	}
	return UnknownDeviceType
}

func (r *Registry) notifyLocked(peerIDs []string, n Notification) []string {
	var dropped int
	for _, id := range peerIDs {
		dropped += r.mailbox.Notify(id, n)
	}
	if dropped > 0 {
		r.metrics.Add(metrics.NotificationDropped, uint64(dropped))
	}
	return peerIDs
}

func firePending(hook func(string), peerIDs []string) {
	if hook == nil {
		return
	}
	for _, id := range peerIDs {
		hook(id)
	}
}

func without(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
