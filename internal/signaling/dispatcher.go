package signaling

import (
	"errors"
	"log/slog"
	"runtime/debug"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/registry"
)

type DispatcherConfig struct {
	Registry *registry.Registry

	// StrictPayloads rejects offers, answers and candidates that do not parse
	// as WebRTC session descriptions / ICE candidates. Payloads are otherwise
	// relayed as opaque values.
	StrictPayloads bool

	Logger *slog.Logger
}

// Dispatcher maps one decoded request onto registry operations and builds the
// response. Domain failures (unknown type, missing field, unknown target or
// room) are returned as error envelopes, never as Go errors.
type Dispatcher struct {
	reg     *registry.Registry
	strict  bool
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New(registry.Options{})
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		reg:     reg,
		strict:  cfg.StrictPayloads,
		log:     log,
		metrics: reg.Metrics(),
	}
}

func (d *Dispatcher) Registry() *registry.Registry { return d.reg }

// Dispatch handles req on behalf of the client at remoteAddr.
func (d *Dispatcher) Dispatch(req protocol.Request, remoteAddr string) (resp protocol.Response) {
	defer func() {
		if v := recover(); v != nil {
			d.log.Error("panic in signaling dispatch", "type", req.Type, "panic", v, "stack", string(debug.Stack()))
			resp = protocol.NewError("Internal error")
		}
	}()

	if field := req.MissingField(); field != "" {
		return protocol.MissingFieldError(field)
	}

	switch req.Type {
	case protocol.TypeRegister:
		d.reg.Register(req.PeerID, req.DeviceType, remoteAddr)
		d.log.Info("peer registered", "peer_id", req.PeerID, "device_type", req.DeviceType, "remote", remoteAddr)
		return protocol.Registered{Type: protocol.TypeRegistered, PeerID: req.PeerID, Success: true}

	case protocol.TypeJoinRoom:
		peers := d.reg.JoinRoom(req.PeerID, req.RoomID)
		d.log.Info("peer joined room", "peer_id", req.PeerID, "room_id", req.RoomID, "others", len(peers))
		return protocol.RoomJoined{Type: protocol.TypeRoomJoined, RoomID: req.RoomID, Peers: peers, Success: true}

	case protocol.TypeLeaveRoom:
		d.reg.LeaveRoom(req.PeerID, req.RoomID)
		d.log.Info("peer left room", "peer_id", req.PeerID, "room_id", req.RoomID)
		return protocol.RoomLeft{Type: protocol.TypeRoomLeft, RoomID: req.RoomID, Success: true}

	case protocol.TypeDiscoverPeers:
		return protocol.RoomPeers{Type: protocol.TypeRoomPeers, RoomID: req.RoomID, Peers: d.reg.RoomPeers(req.RoomID, req.PeerID)}

	case protocol.TypeOffer:
		if d.strict {
			if err := protocol.ValidateOffer(req.Offer); err != nil {
				return d.invalid(req, err, protocol.MessageInvalidOffer)
			}
		}
		return d.relayed(req, protocol.TypeOfferRelayed, d.reg.RelayOffer(req.PeerID, req.TargetPeerID, req.Offer, req.RoomID))

	case protocol.TypeAnswer:
		if d.strict {
			if err := protocol.ValidateAnswer(req.Answer); err != nil {
				return d.invalid(req, err, protocol.MessageInvalidAnswer)
			}
		}
		return d.relayed(req, protocol.TypeAnswerRelayed, d.reg.RelayAnswer(req.PeerID, req.TargetPeerID, req.Answer, req.RoomID))

	case protocol.TypeICECandidate:
		if d.strict {
			if err := protocol.ValidateCandidate(req.Candidate); err != nil {
				return d.invalid(req, err, protocol.MessageInvalidCand)
			}
		}
		return d.relayed(req, protocol.TypeICECandidateRelayed, d.reg.RelayCandidate(req.PeerID, req.TargetPeerID, req.Candidate, req.RoomID))

	case protocol.TypeGetRoomInfo:
		info, err := d.reg.RoomInfo(req.RoomID)
		if errors.Is(err, registry.ErrRoomNotFound) {
			return protocol.NewError(protocol.MessageRoomNotFound)
		}
		return roomInfoResponse(info)

	case protocol.TypeHeartbeat:
		d.reg.Heartbeat(req.PeerID)
		return protocol.HeartbeatAck{Type: protocol.TypeHeartbeatAck, Success: true}

	case protocol.TypeGetNotifications:
		return d.Notifications(req.PeerID)

	case protocol.TypeGetPendingSignaling:
		return d.PendingSignaling(req.PeerID)

	default:
		d.metrics.Inc(metrics.UnknownRequestType)
		d.log.Debug("unknown signaling request type", "type", req.Type, "remote", remoteAddr)
		return protocol.NewError(protocol.MessageUnknownType)
	}
}

// PendingSignaling drains the peer's mailbox: offer first, then answer, then
// candidates in arrival order.
func (d *Dispatcher) PendingSignaling(peerID string) protocol.PendingSignaling {
	sigs := d.reg.DrainSignals(peerID)
	out := protocol.PendingSignaling{
		Type:     protocol.TypePendingSignaling,
		Messages: make([]protocol.PendingMessage, 0, len(sigs)),
	}
	for _, s := range sigs {
		msg := protocol.PendingMessage{
			Type:       string(s.Kind),
			FromPeerID: s.From,
			RoomID:     s.RoomID,
			Timestamp:  protocol.UnixMillis(s.Timestamp),
		}
		switch s.Kind {
		case registry.SignalOffer:
			msg.Offer = s.Payload
		case registry.SignalAnswer:
			msg.Answer = s.Payload
		default:
			msg.Candidate = s.Payload
		}
		out.Messages = append(out.Messages, msg)
	}
	return out
}

func (d *Dispatcher) Notifications(peerID string) protocol.Notifications {
	ns := d.reg.DrainNotifications(peerID)
	out := protocol.Notifications{
		Type:          protocol.TypeNotifications,
		Notifications: make([]protocol.Notification, 0, len(ns)),
	}
	for _, n := range ns {
		out.Notifications = append(out.Notifications, protocol.Notification{
			Type:       string(n.Kind),
			PeerID:     n.PeerID,
			DeviceType: n.DeviceType,
			RoomID:     n.RoomID,
			Timestamp:  protocol.UnixMillis(n.Timestamp),
		})
	}
	return out
}

func (d *Dispatcher) relayed(req protocol.Request, typ protocol.Type, err error) protocol.Response {
	if errors.Is(err, registry.ErrTargetNotFound) {
		d.log.Debug("relay target not found", "type", req.Type, "peer_id", req.PeerID, "target_peer_id", req.TargetPeerID)
		return protocol.NewError(protocol.MessageTargetNotFound)
	}
	if err != nil {
		d.log.Error("relay failed", "type", req.Type, "err", err)
		return protocol.NewError("Internal error")
	}
	return protocol.Relayed{Type: typ, Success: true}
}

func (d *Dispatcher) invalid(req protocol.Request, err error, message string) protocol.Response {
	d.metrics.Inc(metrics.InvalidPayload)
	d.log.Debug("rejected signaling payload", "type", req.Type, "peer_id", req.PeerID, "err", err)
	return protocol.NewError(message)
}

func roomInfoResponse(info registry.RoomInfo) protocol.RoomInfo {
	out := protocol.RoomInfo{
		Type:      protocol.TypeRoomInfo,
		RoomID:    info.RoomID,
		PeerCount: len(info.Members),
		Peers:     make([]protocol.RoomMember, 0, len(info.Members)),
	}
	for _, m := range info.Members {
		member := protocol.RoomMember{PeerID: m.PeerID, DeviceType: m.DeviceType}
		if m.Registered {
			ms := protocol.UnixMillis(m.LastSeen)
			member.LastSeen = &ms
		}
		out.Peers = append(out.Peers, member)
	}
	return out
}
