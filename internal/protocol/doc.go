// Package protocol defines the rendezvous request/response envelopes and their
// wire encodings.
//
// A request is a single object with a required "type" and the optional fields
// peerId, roomId, deviceType, targetPeerId, offer, answer and candidate. The
// offer, answer and candidate payloads are opaque to the service unless strict
// validation is enabled, in which case they must parse as a WebRTC session
// description or ICE candidate.
//
// Requests are JSON by default; a Content-Type of application/msgpack selects
// the MessagePack codec, which uses the same field names.
package protocol
