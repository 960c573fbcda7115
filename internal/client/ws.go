package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
)

// Conn is a signaling WebSocket. Requests and responses travel one envelope
// per frame, and the service pushes pending_signaling and notifications
// envelopes once a peerId has been sent on the connection.
type Conn struct {
	ws    *websocket.Conn
	codec protocol.Codec

	writeMu sync.Mutex
}

func (c *Client) DialWebSocket(ctx context.Context) (*Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.base.Path
	if n := len(u.Path); n > 0 && u.Path[n-1] == '/' {
		u.Path = u.Path[:n-1]
	}
	u.Path += "/signaling/ws"

	h := http.Header{}
	c.authorize(h)
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), h)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, fmt.Errorf("client: dial %s: %w", u.String(), err)
	}
	return &Conn{ws: ws, codec: c.codec}, nil
}

// Send writes one request envelope. JSON travels in text frames and msgpack
// in binary frames.
func (c *Conn) Send(req protocol.Request) error {
	data, err := c.codec.Encode(req)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", req.Type, err)
	}
	kind := websocket.TextMessage
	if c.codec == protocol.Msgpack {
		kind = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(kind, data)
}

// Next blocks for the next envelope. An error envelope is returned as
// *ServerError and leaves the connection usable.
func (c *Conn) Next() (Reply, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		return Reply{}, err
	}
	codec := protocol.JSON
	if kind == websocket.BinaryMessage {
		codec = protocol.Msgpack
	}
	return parseReply(codec, data)
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
