package signaling

import (
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/registry"
)

const (
	testSDP       = "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	testCandidate = "candidate:1 1 udp 2130706431 192.168.1.10 54321 typ host"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

type failingClock struct {
	testClock
	fail bool
}

func (c *failingClock) Now() time.Time {
	if c.fail {
		panic("clock failure")
	}
	return c.testClock.Now()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T, strict bool) (*Dispatcher, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	reg := registry.New(registry.Options{Clock: clock, Metrics: metrics.New()})
	return NewDispatcher(DispatcherConfig{Registry: reg, StrictPayloads: strict, Logger: discardLogger()}), clock
}

func TestDispatch_JoinAndDiscoverScenario(t *testing.T) {
	d, _ := newTestDispatcher(t, false)

	if got, want := d.Dispatch(protocol.Request{Type: protocol.TypeRegister, PeerID: "A", DeviceType: "desktop"}, "1.2.3.4:1"),
		(protocol.Registered{Type: protocol.TypeRegistered, PeerID: "A", Success: true}); got != want {
		t.Fatalf("register A=%#v, want %#v", got, want)
	}

	joinA := d.Dispatch(protocol.Request{Type: protocol.TypeJoinRoom, PeerID: "A", RoomID: "room1"}, "")
	if got := joinA.(protocol.RoomJoined); len(got.Peers) != 0 || !got.Success || got.RoomID != "room1" {
		t.Fatalf("join A=%#v, want empty peers", got)
	}

	d.Dispatch(protocol.Request{Type: protocol.TypeRegister, PeerID: "B"}, "")
	joinB := d.Dispatch(protocol.Request{Type: protocol.TypeJoinRoom, PeerID: "B", RoomID: "room1"}, "").(protocol.RoomJoined)
	if !reflect.DeepEqual(joinB.Peers, []string{"A"}) {
		t.Fatalf("join B peers=%v, want [A]", joinB.Peers)
	}

	discover := d.Dispatch(protocol.Request{Type: protocol.TypeDiscoverPeers, PeerID: "A", RoomID: "room1"}, "").(protocol.RoomPeers)
	if !reflect.DeepEqual(discover.Peers, []string{"B"}) {
		t.Fatalf("discover peers=%v, want [B]", discover.Peers)
	}

	unknown := d.Dispatch(protocol.Request{Type: protocol.TypeDiscoverPeers, PeerID: "A", RoomID: "nope"}, "").(protocol.RoomPeers)
	if unknown.Peers == nil || len(unknown.Peers) != 0 {
		t.Fatalf("discover unknown room peers=%#v, want empty non-nil", unknown.Peers)
	}

	noRoom := d.Dispatch(protocol.Request{Type: protocol.TypeDiscoverPeers, PeerID: "A"}, "")
	if got, ok := noRoom.(protocol.RoomPeers); !ok || got.Peers == nil || len(got.Peers) != 0 {
		t.Fatalf("discover without roomId=%#v, want room_peers with no peers", noRoom)
	}
}

func TestDispatch_OfferToUnknownTarget(t *testing.T) {
	d, _ := newTestDispatcher(t, false)
	d.Dispatch(protocol.Request{Type: protocol.TypeRegister, PeerID: "A"}, "")

	for _, req := range []protocol.Request{
		{Type: protocol.TypeOffer, PeerID: "A", TargetPeerID: "B", Offer: "X"},
		{Type: protocol.TypeAnswer, PeerID: "A", TargetPeerID: "B", Answer: "X"},
		{Type: protocol.TypeICECandidate, PeerID: "A", TargetPeerID: "B", Candidate: "X"},
	} {
		got := d.Dispatch(req, "")
		want := protocol.NewError(protocol.MessageTargetNotFound)
		if got != want {
			t.Fatalf("%s=%#v, want %#v", req.Type, got, want)
		}
	}
	if d.Registry().HasPending("A") || d.Registry().HasPending("B") {
		t.Fatalf("mailboxes mutated by failed relays")
	}
	if n := d.Registry().Metrics().Get(metrics.RelayTargetNotFound); n != 3 {
		t.Fatalf("relay_target_not_found=%d, want 3", n)
	}
}

func TestDispatch_RelayAndDrain(t *testing.T) {
	d, clock := newTestDispatcher(t, false)
	d.Dispatch(protocol.Request{Type: protocol.TypeRegister, PeerID: "A"}, "")
	d.Dispatch(protocol.Request{Type: protocol.TypeRegister, PeerID: "B"}, "")

	offer1 := map[string]any{"type": "offer", "sdp": "first"}
	offer2 := map[string]any{"type": "offer", "sdp": "second"}
	for _, req := range []protocol.Request{
		{Type: protocol.TypeOffer, PeerID: "A", TargetPeerID: "B", Offer: offer1},
		{Type: protocol.TypeOffer, PeerID: "A", TargetPeerID: "B", Offer: offer2, RoomID: "room1"},
		{Type: protocol.TypeICECandidate, PeerID: "A", TargetPeerID: "B", Candidate: "c1"},
		{Type: protocol.TypeICECandidate, PeerID: "A", TargetPeerID: "B", Candidate: "c2"},
	} {
		if _, ok := d.Dispatch(req, "").(protocol.Relayed); !ok {
			t.Fatalf("%s not relayed", req.Type)
		}
	}

	clock.now = clock.now.Add(time.Second)
	pending := d.Dispatch(protocol.Request{Type: protocol.TypeGetPendingSignaling, PeerID: "B"}, "").(protocol.PendingSignaling)
	if len(pending.Messages) != 3 {
		t.Fatalf("len(messages)=%d, want 3", len(pending.Messages))
	}
	first := pending.Messages[0]
	if first.Type != "offer" || first.FromPeerID != "A" || first.RoomID != "room1" || !reflect.DeepEqual(first.Offer, offer2) {
		t.Fatalf("messages[0]=%#v, want latest offer from A", first)
	}
	if first.Timestamp != 1_700_000_000_000 {
		t.Fatalf("timestamp=%d, want 1700000000000", first.Timestamp)
	}
	if pending.Messages[1].Candidate != "c1" || pending.Messages[2].Candidate != "c2" {
		t.Fatalf("candidates out of order: %#v", pending.Messages[1:])
	}

	again := d.Dispatch(protocol.Request{Type: protocol.TypeGetPendingSignaling, PeerID: "B"}, "").(protocol.PendingSignaling)
	if again.Messages == nil || len(again.Messages) != 0 {
		t.Fatalf("second drain=%#v, want empty non-nil", again.Messages)
	}
}

func TestDispatch_Notifications(t *testing.T) {
	d, _ := newTestDispatcher(t, false)
	d.Dispatch(protocol.Request{Type: protocol.TypeRegister, PeerID: "A"}, "")
	d.Dispatch(protocol.Request{Type: protocol.TypeJoinRoom, PeerID: "A", RoomID: "r"}, "")
	d.Dispatch(protocol.Request{Type: protocol.TypeRegister, PeerID: "B", DeviceType: "mobile"}, "")
	d.Dispatch(protocol.Request{Type: protocol.TypeJoinRoom, PeerID: "B", RoomID: "r"}, "")
	d.Dispatch(protocol.Request{Type: protocol.TypeLeaveRoom, PeerID: "B", RoomID: "r"}, "")

	got := d.Dispatch(protocol.Request{Type: protocol.TypeGetNotifications, PeerID: "A"}, "").(protocol.Notifications)
	if len(got.Notifications) != 2 {
		t.Fatalf("len(notifications)=%d, want 2", len(got.Notifications))
	}
	if n := got.Notifications[0]; n.Type != "peer_joined" || n.PeerID != "B" || n.DeviceType != "mobile" || n.RoomID != "r" {
		t.Fatalf("notifications[0]=%#v, want peer_joined B", n)
	}
	if n := got.Notifications[1]; n.Type != "peer_left" || n.PeerID != "B" {
		t.Fatalf("notifications[1]=%#v, want peer_left B", n)
	}
}

func TestDispatch_RoomInfo(t *testing.T) {
	d, _ := newTestDispatcher(t, false)

	if got, want := d.Dispatch(protocol.Request{Type: protocol.TypeGetRoomInfo, RoomID: "nope"}, ""), protocol.NewError(protocol.MessageRoomNotFound); got != want {
		t.Fatalf("room info=%#v, want %#v", got, want)
	}

	d.Dispatch(protocol.Request{Type: protocol.TypeRegister, PeerID: "A", DeviceType: "desktop"}, "")
	d.Dispatch(protocol.Request{Type: protocol.TypeJoinRoom, PeerID: "A", RoomID: "r"}, "")
	d.Dispatch(protocol.Request{Type: protocol.TypeJoinRoom, PeerID: "ghost", RoomID: "r"}, "")

	info := d.Dispatch(protocol.Request{Type: protocol.TypeGetRoomInfo, RoomID: "r"}, "").(protocol.RoomInfo)
	if info.PeerCount != 2 || len(info.Peers) != 2 {
		t.Fatalf("peerCount=%d len=%d, want 2", info.PeerCount, len(info.Peers))
	}
	byID := map[string]protocol.RoomMember{}
	for _, m := range info.Peers {
		byID[m.PeerID] = m
	}
	if a := byID["A"]; a.DeviceType != "desktop" || a.LastSeen == nil || *a.LastSeen != 1_700_000_000_000 {
		t.Fatalf("member A=%#v", a)
	}
	if g := byID["ghost"]; g.DeviceType != "unknown" || g.LastSeen != nil {
		t.Fatalf("member ghost=%#v, want unknown with nil lastSeen", g)
	}
}

func TestDispatch_MissingFieldsAndUnknownType(t *testing.T) {
	d, _ := newTestDispatcher(t, false)

	cases := []struct {
		req  protocol.Request
		want protocol.Response
	}{
		{protocol.Request{Type: protocol.TypeRegister}, protocol.MissingFieldError(protocol.FieldPeerID)},
		{protocol.Request{Type: protocol.TypeJoinRoom, PeerID: "A"}, protocol.MissingFieldError(protocol.FieldRoomID)},
		{protocol.Request{Type: protocol.TypeOffer, PeerID: "A", TargetPeerID: "B"}, protocol.MissingFieldError(protocol.FieldOffer)},
		{protocol.Request{Type: protocol.TypeICECandidate, PeerID: "A", Candidate: "c"}, protocol.MissingFieldError(protocol.FieldTargetPeerID)},
		{protocol.Request{Type: protocol.TypeGetRoomInfo}, protocol.MissingFieldError(protocol.FieldRoomID)},
		{protocol.Request{Type: "teleport", PeerID: "A"}, protocol.NewError(protocol.MessageUnknownType)},
	}
	for _, tc := range cases {
		if got := d.Dispatch(tc.req, ""); got != tc.want {
			t.Fatalf("Dispatch(%+v)=%#v, want %#v", tc.req, got, tc.want)
		}
	}
	if d.Registry().PeerExists("A") {
		t.Fatalf("rejected requests mutated the registry")
	}
	if n := d.Registry().Metrics().Get(metrics.UnknownRequestType); n != 1 {
		t.Fatalf("unknown_request_type=%d, want 1", n)
	}
}

func TestDispatch_StrictPayloads(t *testing.T) {
	d, _ := newTestDispatcher(t, true)
	d.Dispatch(protocol.Request{Type: protocol.TypeRegister, PeerID: "A"}, "")
	d.Dispatch(protocol.Request{Type: protocol.TypeRegister, PeerID: "B"}, "")

	cases := []struct {
		name string
		req  protocol.Request
		want protocol.Response
	}{
		{"bad offer", protocol.Request{Type: protocol.TypeOffer, PeerID: "A", TargetPeerID: "B", Offer: "garbage"}, protocol.NewError(protocol.MessageInvalidOffer)},
		{"answer as offer", protocol.Request{Type: protocol.TypeOffer, PeerID: "A", TargetPeerID: "B", Offer: map[string]any{"type": "answer", "sdp": testSDP}}, protocol.NewError(protocol.MessageInvalidOffer)},
		{"good offer", protocol.Request{Type: protocol.TypeOffer, PeerID: "A", TargetPeerID: "B", Offer: map[string]any{"type": "offer", "sdp": testSDP}}, protocol.Relayed{Type: protocol.TypeOfferRelayed, Success: true}},
		{"bad answer", protocol.Request{Type: protocol.TypeAnswer, PeerID: "B", TargetPeerID: "A", Answer: map[string]any{"type": "answer", "sdp": "nope"}}, protocol.NewError(protocol.MessageInvalidAnswer)},
		{"good answer", protocol.Request{Type: protocol.TypeAnswer, PeerID: "B", TargetPeerID: "A", Answer: map[string]any{"type": "answer", "sdp": testSDP}}, protocol.Relayed{Type: protocol.TypeAnswerRelayed, Success: true}},
		{"bad candidate", protocol.Request{Type: protocol.TypeICECandidate, PeerID: "A", TargetPeerID: "B", Candidate: map[string]any{"candidate": "candidate:garbage"}}, protocol.NewError(protocol.MessageInvalidCand)},
		{"good candidate", protocol.Request{Type: protocol.TypeICECandidate, PeerID: "A", TargetPeerID: "B", Candidate: map[string]any{"candidate": testCandidate, "sdpMid": "0"}}, protocol.Relayed{Type: protocol.TypeICECandidateRelayed, Success: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := d.Dispatch(tc.req, ""); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
	if n := d.Registry().Metrics().Get(metrics.InvalidPayload); n != 4 {
		t.Fatalf("invalid_payload=%d, want 4", n)
	}
}

func TestDispatch_HeartbeatAndLeave(t *testing.T) {
	d, _ := newTestDispatcher(t, false)

	if got, want := d.Dispatch(protocol.Request{Type: protocol.TypeHeartbeat, PeerID: "A"}, ""), (protocol.HeartbeatAck{Type: protocol.TypeHeartbeatAck, Success: true}); got != want {
		t.Fatalf("heartbeat=%#v, want %#v", got, want)
	}
	if got, want := d.Dispatch(protocol.Request{Type: protocol.TypeLeaveRoom, PeerID: "A", RoomID: "never"}, ""), (protocol.RoomLeft{Type: protocol.TypeRoomLeft, RoomID: "never", Success: true}); got != want {
		t.Fatalf("leave=%#v, want %#v", got, want)
	}
	if got := d.Registry().Stats().Rooms; got != 0 {
		t.Fatalf("leave created a room")
	}
}

func TestDispatch_PanicReturnsInternalError(t *testing.T) {
	clock := &failingClock{testClock: testClock{now: time.Unix(1_700_000_000, 0)}}
	reg := registry.New(registry.Options{Clock: clock, Metrics: metrics.New()})
	d := NewDispatcher(DispatcherConfig{Registry: reg, Logger: discardLogger()})

	d.Dispatch(protocol.Request{Type: protocol.TypeRegister, PeerID: "B"}, "")
	clock.fail = true
	for _, req := range []protocol.Request{
		{Type: protocol.TypeJoinRoom, PeerID: "A", RoomID: "room1"},
		{Type: protocol.TypeLeaveRoom, PeerID: "A", RoomID: "room1"},
		{Type: protocol.TypeOffer, PeerID: "A", TargetPeerID: "B", Offer: "o"},
	} {
		if got, want := d.Dispatch(req, ""), protocol.NewError("Internal error"); got != want {
			t.Fatalf("%s with failing clock=%#v, want %#v", req.Type, got, want)
		}
	}
	clock.fail = false

	done := make(chan protocol.Response, 1)
	go func() {
		done <- d.Dispatch(protocol.Request{Type: protocol.TypeJoinRoom, PeerID: "A", RoomID: "room1"}, "")
	}()
	select {
	case resp := <-done:
		if got, ok := resp.(protocol.RoomJoined); !ok || !got.Success {
			t.Fatalf("join after recovered panic=%#v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher blocked after recovering a panic")
	}
}
