// Package client speaks the rendezvous signaling protocol over HTTP POST and
// WebSocket.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
)

const DefaultTimeout = 10 * time.Second

// ServerError is an {type: "error"} envelope returned by the service.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server error: " + e.Message }

// StatusError is a non-200 HTTP response (rate limited, unauthorized,
// malformed request, ...).
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Message)
}

type Config struct {
	// BaseURL is the service root, e.g. "http://127.0.0.1:8001".
	BaseURL string
	// Codec selects the wire format. Defaults to JSON.
	Codec protocol.Codec
	// APIKey, when set, is sent as X-API-Key.
	APIKey string
	// Token, when set, is sent as a bearer token (JWT auth mode).
	Token string

	HTTPClient *http.Client
}

type Client struct {
	base   *url.URL
	codec  protocol.Codec
	apiKey string
	token  string
	http   *http.Client
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("client: base URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("client: invalid base URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: base URL %q must be http or https", raw)
	}
	codec := cfg.Codec
	if codec == nil {
		codec = protocol.JSON
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{base: u, codec: codec, apiKey: cfg.APIKey, token: cfg.Token, http: hc}, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

func (c *Client) authorize(h http.Header) {
	if c.apiKey != "" {
		h.Set("X-API-Key", c.apiKey)
	}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}

// Do posts one request envelope and returns the raw response. Error envelopes
// are returned as *ServerError, non-200 statuses as *StatusError.
func (c *Client) Do(ctx context.Context, req protocol.Request) (Reply, error) {
	body, err := c.codec.Encode(req)
	if err != nil {
		return Reply{}, fmt.Errorf("client: encode %s: %w", req.Type, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/signaling"), bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	httpReq.Header.Set("Content-Type", c.codec.ContentType())
	httpReq.Header.Set("Accept", c.codec.ContentType())
	c.authorize(httpReq.Header)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Reply{}, fmt.Errorf("client: post %s: %w", req.Type, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Reply{}, fmt.Errorf("client: read response: %w", err)
	}

	codec := protocol.CodecForContentType(resp.Header.Get("Content-Type"))
	if resp.StatusCode != http.StatusOK {
		se := &StatusError{StatusCode: resp.StatusCode}
		var env protocol.Error
		if codec.Decode(data, &env) == nil && env.Message != "" {
			se.Message = env.Message
		} else {
			se.Message = strings.TrimSpace(string(data))
		}
		return Reply{}, se
	}
	return parseReply(codec, data)
}

func (c *Client) call(ctx context.Context, req protocol.Request, out any) error {
	reply, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return reply.Decode(out)
}

func (c *Client) Register(ctx context.Context, peerID, deviceType string) (protocol.Registered, error) {
	var out protocol.Registered
	err := c.call(ctx, protocol.Request{Type: protocol.TypeRegister, PeerID: peerID, DeviceType: deviceType}, &out)
	return out, err
}

func (c *Client) JoinRoom(ctx context.Context, peerID, roomID string) (protocol.RoomJoined, error) {
	var out protocol.RoomJoined
	err := c.call(ctx, protocol.Request{Type: protocol.TypeJoinRoom, PeerID: peerID, RoomID: roomID}, &out)
	return out, err
}

func (c *Client) LeaveRoom(ctx context.Context, peerID, roomID string) (protocol.RoomLeft, error) {
	var out protocol.RoomLeft
	err := c.call(ctx, protocol.Request{Type: protocol.TypeLeaveRoom, PeerID: peerID, RoomID: roomID}, &out)
	return out, err
}

func (c *Client) DiscoverPeers(ctx context.Context, peerID, roomID string) (protocol.RoomPeers, error) {
	var out protocol.RoomPeers
	err := c.call(ctx, protocol.Request{Type: protocol.TypeDiscoverPeers, PeerID: peerID, RoomID: roomID}, &out)
	return out, err
}

func (c *Client) SendOffer(ctx context.Context, from, target, roomID string, offer any) (protocol.Relayed, error) {
	var out protocol.Relayed
	err := c.call(ctx, protocol.Request{Type: protocol.TypeOffer, PeerID: from, TargetPeerID: target, RoomID: roomID, Offer: offer}, &out)
	return out, err
}

func (c *Client) SendAnswer(ctx context.Context, from, target, roomID string, answer any) (protocol.Relayed, error) {
	var out protocol.Relayed
	err := c.call(ctx, protocol.Request{Type: protocol.TypeAnswer, PeerID: from, TargetPeerID: target, RoomID: roomID, Answer: answer}, &out)
	return out, err
}

func (c *Client) SendCandidate(ctx context.Context, from, target, roomID string, candidate any) (protocol.Relayed, error) {
	var out protocol.Relayed
	err := c.call(ctx, protocol.Request{Type: protocol.TypeICECandidate, PeerID: from, TargetPeerID: target, RoomID: roomID, Candidate: candidate}, &out)
	return out, err
}

func (c *Client) RoomInfo(ctx context.Context, roomID string) (protocol.RoomInfo, error) {
	var out protocol.RoomInfo
	err := c.call(ctx, protocol.Request{Type: protocol.TypeGetRoomInfo, RoomID: roomID}, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, peerID string) (protocol.HeartbeatAck, error) {
	var out protocol.HeartbeatAck
	err := c.call(ctx, protocol.Request{Type: protocol.TypeHeartbeat, PeerID: peerID}, &out)
	return out, err
}

func (c *Client) Notifications(ctx context.Context, peerID string) (protocol.Notifications, error) {
	var out protocol.Notifications
	err := c.call(ctx, protocol.Request{Type: protocol.TypeGetNotifications, PeerID: peerID}, &out)
	return out, err
}

func (c *Client) PendingSignaling(ctx context.Context, peerID string) (protocol.PendingSignaling, error) {
	var out protocol.PendingSignaling
	err := c.call(ctx, protocol.Request{Type: protocol.TypeGetPendingSignaling, PeerID: peerID}, &out)
	return out, err
}

// Reply is one decoded-on-demand response envelope.
type Reply struct {
	Type  protocol.Type
	codec protocol.Codec
	data  []byte
}

func parseReply(codec protocol.Codec, data []byte) (Reply, error) {
	var head protocol.Error
	if err := codec.Decode(data, &head); err != nil {
		return Reply{}, fmt.Errorf("client: decode response: %w", err)
	}
	if head.Type == protocol.TypeError {
		return Reply{}, &ServerError{Message: head.Message}
	}
	return Reply{Type: head.Type, codec: codec, data: data}, nil
}

// Decode unmarshals the envelope into v.
func (r Reply) Decode(v any) error {
	if err := r.codec.Decode(r.data, v); err != nil {
		return fmt.Errorf("client: decode %s: %w", r.Type, err)
	}
	return nil
}

// Map returns the envelope as a generic map, for printing.
func (r Reply) Map() (map[string]any, error) {
	var m map[string]any
	err := r.Decode(&m)
	return m, err
}
