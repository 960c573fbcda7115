package protocol

import (
	"errors"
	"time"
)

// Type is the value of an envelope's "type" field.
type Type string

// Request types.
const (
	TypeRegister            Type = "register"
	TypeJoinRoom            Type = "join_room"
	TypeLeaveRoom           Type = "leave_room"
	TypeDiscoverPeers       Type = "discover_peers"
	TypeOffer               Type = "offer"
	TypeAnswer              Type = "answer"
	TypeICECandidate        Type = "ice_candidate"
	TypeGetRoomInfo         Type = "get_room_info"
	TypeHeartbeat           Type = "heartbeat"
	TypeGetNotifications    Type = "get_notifications"
	TypeGetPendingSignaling Type = "get_pending_signaling"
)

// Response types.
const (
	TypeRegistered          Type = "registered"
	TypeRoomJoined          Type = "room_joined"
	TypeRoomLeft            Type = "room_left"
	TypeRoomPeers           Type = "room_peers"
	TypeOfferRelayed        Type = "offer_relayed"
	TypeAnswerRelayed       Type = "answer_relayed"
	TypeICECandidateRelayed Type = "ice_candidate_relayed"
	TypeRoomInfo            Type = "room_info"
	TypeHeartbeatAck        Type = "heartbeat_ack"
	TypeNotifications       Type = "notifications"
	TypePendingSignaling    Type = "pending_signaling"
	TypeError               Type = "error"
)

// Error messages carried by {type: "error"} responses.
const (
	MessageTargetNotFound = "Target peer not found"
	MessageRoomNotFound   = "Room not found"
	MessageUnknownType    = "Unknown request type"
	MessageInvalidOffer   = "Invalid offer"
	MessageInvalidAnswer  = "Invalid answer"
	MessageInvalidCand    = "Invalid candidate"
)

// Field names, as they appear on the wire.
const (
	FieldPeerID       = "peerId"
	FieldRoomID       = "roomId"
	FieldTargetPeerID = "targetPeerId"
	FieldOffer        = "offer"
	FieldAnswer       = "answer"
	FieldCandidate    = "candidate"
)

var (
	ErrMalformed   = errors.New("protocol: malformed request")
	ErrMissingType = errors.New("protocol: missing request type")
)

type Request struct {
	Type         Type   `json:"type"`
	PeerID       string `json:"peerId,omitempty"`
	RoomID       string `json:"roomId,omitempty"`
	DeviceType   string `json:"deviceType,omitempty"`
	TargetPeerID string `json:"targetPeerId,omitempty"`

	Offer     any `json:"offer,omitempty"`
	Answer    any `json:"answer,omitempty"`
	Candidate any `json:"candidate,omitempty"`
}

// MissingField returns the name of the first required field absent from r, or
// "" when r carries everything its type needs. Unknown types require nothing.
func (r Request) MissingField() string {
	var required []string
	switch r.Type {
	case TypeRegister, TypeHeartbeat, TypeGetNotifications, TypeGetPendingSignaling:
		required = []string{FieldPeerID}
	case TypeDiscoverPeers:
		// Without a room there is nobody to discover; the reply is an empty list.
		required = []string{FieldPeerID}
	case TypeJoinRoom, TypeLeaveRoom:
		required = []string{FieldPeerID, FieldRoomID}
	case TypeOffer:
		required = []string{FieldPeerID, FieldTargetPeerID, FieldOffer}
	case TypeAnswer:
		required = []string{FieldPeerID, FieldTargetPeerID, FieldAnswer}
	case TypeICECandidate:
		required = []string{FieldPeerID, FieldTargetPeerID, FieldCandidate}
	case TypeGetRoomInfo:
		required = []string{FieldRoomID}
	}
	for _, f := range required {
		if !r.has(f) {
			return f
		}
	}
	return ""
}

func (r Request) has(field string) bool {
	switch field {
	case FieldPeerID:
		return r.PeerID != ""
	case FieldRoomID:
		return r.RoomID != ""
	case FieldTargetPeerID:
		return r.TargetPeerID != ""
	case FieldOffer:
		return r.Offer != nil
	case FieldAnswer:
		return r.Answer != nil
	case FieldCandidate:
		return r.Candidate != nil
	}
	return false
}

// Response is any envelope the service sends back.
type Response interface {
	MessageType() Type
}

type Registered struct {
	Type    Type   `json:"type"`
	PeerID  string `json:"peerId"`
	Success bool   `json:"success"`
}

type RoomJoined struct {
	Type    Type     `json:"type"`
	RoomID  string   `json:"roomId"`
	Peers   []string `json:"peers"`
	Success bool     `json:"success"`
}

type RoomLeft struct {
	Type    Type   `json:"type"`
	RoomID  string `json:"roomId"`
	Success bool   `json:"success"`
}

type RoomPeers struct {
	Type   Type     `json:"type"`
	RoomID string   `json:"roomId"`
	Peers  []string `json:"peers"`
}

// Relayed acknowledges offer, answer and ice_candidate requests.
type Relayed struct {
	Type    Type `json:"type"`
	Success bool `json:"success"`
}

type RoomMember struct {
	PeerID     string `json:"peerId"`
	DeviceType string `json:"deviceType"`
	// LastSeen is unix milliseconds, nil for members that never registered.
	LastSeen *int64 `json:"lastSeen"`
}

type RoomInfo struct {
	Type      Type         `json:"type"`
	RoomID    string       `json:"roomId"`
	PeerCount int          `json:"peerCount"`
	Peers     []RoomMember `json:"peers"`
}

type HeartbeatAck struct {
	Type    Type `json:"type"`
	Success bool `json:"success"`
}

type Notification struct {
	Type       string `json:"type"`
	PeerID     string `json:"peerId"`
	DeviceType string `json:"deviceType"`
	RoomID     string `json:"roomId"`
	Timestamp  int64  `json:"timestamp"`
}

type Notifications struct {
	Type          Type           `json:"type"`
	Notifications []Notification `json:"notifications"`
}

type PendingMessage struct {
	Type       string `json:"type"`
	FromPeerID string `json:"fromPeerId"`
	Offer      any    `json:"offer,omitempty"`
	Answer     any    `json:"answer,omitempty"`
	Candidate  any    `json:"candidate,omitempty"`
	RoomID     string `json:"roomId,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

type PendingSignaling struct {
	Type     Type             `json:"type"`
	Messages []PendingMessage `json:"messages"`
}

type Error struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

func (Registered) MessageType() Type       { return TypeRegistered }
func (RoomJoined) MessageType() Type       { return TypeRoomJoined }
func (RoomLeft) MessageType() Type         { return TypeRoomLeft }
func (RoomPeers) MessageType() Type        { return TypeRoomPeers }
func (r Relayed) MessageType() Type        { return r.Type }
func (RoomInfo) MessageType() Type         { return TypeRoomInfo }
func (HeartbeatAck) MessageType() Type     { return TypeHeartbeatAck }
func (Notifications) MessageType() Type    { return TypeNotifications }
func (PendingSignaling) MessageType() Type { return TypePendingSignaling }
func (Error) MessageType() Type            { return TypeError }

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

func MissingFieldError(field string) Error {
	return NewError("Missing required field: " + field)
}

// UnixMillis converts t to the millisecond timestamps used on the wire.
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}
