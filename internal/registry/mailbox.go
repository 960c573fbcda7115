package registry

import "time"

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice_candidate"
)

// Signal is one piece of handshake material waiting for its target.
type Signal struct {
	Kind      SignalKind
	From      string
	Payload   any
	RoomID    string
	Timestamp time.Time
}

type NotificationKind string

const (
	NotificationPeerJoined NotificationKind = "peer_joined"
	NotificationPeerLeft   NotificationKind = "peer_left"
)

// Notification tells a peer about a membership change in one of its rooms.
type Notification struct {
	Kind       NotificationKind
	PeerID     string
	DeviceType string
	RoomID     string
	Timestamp  time.Time
}

// Mailbox holds pending relay state per target peer.
//
// Offers and answers have at-most-one-pending semantics: a newer write replaces
// an unread one. Candidates and notifications are FIFO queues; when a cap is
// configured the oldest entries are dropped first.
type Mailbox struct {
	maxCandidates    int
	maxNotifications int

	offers        map[string]Signal
	answers       map[string]Signal
	candidates    map[string][]Signal
	notifications map[string][]Notification
}

// NewMailbox returns an empty mailbox. A cap <= 0 means unbounded.
func NewMailbox(maxCandidates, maxNotifications int) *Mailbox {
	return &Mailbox{
		maxCandidates:    maxCandidates,
		maxNotifications: maxNotifications,
		offers:           make(map[string]Signal),
		answers:          make(map[string]Signal),
		candidates:       make(map[string][]Signal),
		notifications:    make(map[string][]Notification),
	}
}

func (m *Mailbox) PutOffer(target string, sig Signal) {
	sig.Kind = SignalOffer
	m.offers[target] = sig
}

func (m *Mailbox) PutAnswer(target string, sig Signal) {
	sig.Kind = SignalAnswer
	m.answers[target] = sig
}

// AppendCandidate queues sig for target and returns how many old candidates
// were dropped to respect the cap.
func (m *Mailbox) AppendCandidate(target string, sig Signal) (dropped int) {
	sig.Kind = SignalCandidate
	q := append(m.candidates[target], sig)
	if m.maxCandidates > 0 && len(q) > m.maxCandidates {
		dropped = len(q) - m.maxCandidates
		q = append([]Signal(nil), q[dropped:]...)
	}
	m.candidates[target] = q
	return dropped
}

// Drain returns and clears everything pending for target: the offer, then the
// answer, then candidates in arrival order.
func (m *Mailbox) Drain(target string) []Signal {
	var out []Signal
	if sig, ok := m.offers[target]; ok {
		out = append(out, sig)
		delete(m.offers, target)
	}
	if sig, ok := m.answers[target]; ok {
		out = append(out, sig)
		delete(m.answers, target)
	}
	if q, ok := m.candidates[target]; ok {
		out = append(out, q...)
		delete(m.candidates, target)
	}
	return out
}

// HasPending reports whether Drain(target) would return anything.
func (m *Mailbox) HasPending(target string) bool {
	if _, ok := m.offers[target]; ok {
		return true
	}
	if _, ok := m.answers[target]; ok {
		return true
	}
	return len(m.candidates[target]) > 0
}

// Notify queues n for peer and returns how many old notifications were dropped.
func (m *Mailbox) Notify(peer string, n Notification) (dropped int) {
	q := append(m.notifications[peer], n)
	if m.maxNotifications > 0 && len(q) > m.maxNotifications {
		dropped = len(q) - m.maxNotifications
		q = append([]Notification(nil), q[dropped:]...)
	}
	m.notifications[peer] = q
	return dropped
}

func (m *Mailbox) DrainNotifications(peer string) []Notification {
	q := m.notifications[peer]
	delete(m.notifications, peer)
	return q
}

func (m *Mailbox) HasNotifications(peer string) bool {
	return len(m.notifications[peer]) > 0
}

// Discard drops all pending state addressed to peer.
func (m *Mailbox) Discard(peer string) {
	delete(m.offers, peer)
	delete(m.answers, peer)
	delete(m.candidates, peer)
	delete(m.notifications, peer)
}
