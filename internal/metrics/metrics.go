package metrics

import "sync"

// Event names. Every counter is exported under the single
// aero_webrtc_rendezvous_events_total metric with an `event` label.
const (
	PeerRegistered      = "peer_registered"
	PeerReaped          = "peer_reaped"
	RoomJoined          = "room_joined"
	RoomLeft            = "room_left"
	OfferRelayed        = "offer_relayed"
	AnswerRelayed       = "answer_relayed"
	ICECandidateRelayed = "ice_candidate_relayed"
	RelayTargetNotFound = "relay_target_not_found"

	ICECandidateDropped = "ice_candidate_dropped"
	NotificationDropped = "notification_dropped"

	RequestsHTTP       = "requests_http"
	RequestsWebSocket  = "requests_ws"
	BadRequest         = "bad_request"
	UnknownRequestType = "unknown_request_type"
	InvalidPayload     = "invalid_payload"
	AuthFailure        = "auth_failure"

	WebSocketConnected    = "ws_connected"
	WebSocketDisconnected = "ws_disconnected"
	WebSocketPushes       = "ws_pushes"
	WebSocketPushDropped  = "ws_push_dropped"

	ReaperSweeps = "reaper_sweeps"
	ReaperPanics = "reaper_panics"

	RateLimiterEvicted = "rate_limiter_evicted"
)

// Gauge names, exported under aero_webrtc_rendezvous_state with a `gauge`
// label.
const (
	GaugePeers          = "peers"
	GaugeRooms          = "rooms"
	GaugeWebSocketPeers = "ws_peers"
)

// Drop reasons.
const (
	DropReasonRateLimited   = "rate_limited"
	DropReasonBodyTooLarge  = "body_too_large"
	DropReasonFrameTooLarge = "frame_too_large"
)

// Metrics is a minimal, concurrency-safe counter registry. Gauges are
// callbacks sampled on read.
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]func() int64
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]func() int64),
	}
}

// SetGauge registers fn as the source of the named gauge, replacing any
// earlier one. fn must not call back into m.
func (m *Metrics) SetGauge(name string, fn func() int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = fn
}

// Gauges samples every registered gauge.
func (m *Metrics) Gauges() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	fns := make(map[string]func() int64, len(m.gauges))
	for k, fn := range m.gauges {
		fns[k] = fn
	}
	m.mu.Unlock()

	out := make(map[string]int64, len(fns))
	for k, fn := range fns {
		out[k] = fn()
	}
	return out
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
