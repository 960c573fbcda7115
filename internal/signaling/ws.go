package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
)

const wsWriteWait = 1 * time.Second

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Browsers cannot set headers on the upgrade request, so auth failures
	// here are plain HTTP responses the client sees as a failed handshake.
	if !s.admit(w, r, protocol.JSON) {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	s.metrics.Inc(metrics.WebSocketConnected)

	c := newWSClient(s, conn, r.RemoteAddr)
	c.serve()
}

// wsClient is one /signaling/ws connection. The read loop dispatches requests
// and replies inline; a writer goroutine sends keepalive pings and pushes the
// bound peer's pending messages when the hub wakes it.
type wsClient struct {
	srv    *Server
	conn   *websocket.Conn
	remote string
	log    *slog.Logger

	limiter *rate.Limiter

	writeMu sync.Mutex

	mu     sync.Mutex
	peerID string
	codec  protocol.Codec

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(s *Server, conn *websocket.Conn, remote string) *wsClient {
	return &wsClient{
		srv:     s,
		conn:    conn,
		remote:  remote,
		log:     s.log.With("remote", remote),
		limiter: rate.NewLimiter(rate.Limit(s.wsMessagesPerSecond), s.wsMessagesPerSecond),
		codec:   protocol.JSON,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (c *wsClient) serve() {
	defer c.shutdown()

	c.conn.SetReadLimit(c.srv.maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.wsIdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.wsIdleTimeout))
	})

	go c.writeLoop()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.srv.metrics.Inc(metrics.DropReasonFrameTooLarge)
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				c.closeWith(websocket.CloseGoingAway, "idle timeout")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.wsIdleTimeout))

		if !c.limiter.Allow() {
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		var codec protocol.Codec
		switch msgType {
		case websocket.TextMessage:
			codec = protocol.JSON
		case websocket.BinaryMessage:
			codec = protocol.Msgpack
		default:
			continue
		}
		c.srv.metrics.Inc(metrics.RequestsWebSocket)

		req, err := protocol.DecodeRequest(codec, data)
		if err != nil {
			c.srv.metrics.Inc(metrics.BadRequest)
			c.log.Debug("bad signaling frame", "codec", codec.Name(), "err", err)
			if err := c.send(codec, decodeErrorResponse(err)); err != nil {
				return
			}
			continue
		}

		resp := c.srv.dispatcher.Dispatch(req, c.remote)
		if err := c.send(codec, resp); err != nil {
			return
		}
		if req.PeerID != "" {
			c.bind(req.PeerID)
		}
	}
}

// bind attaches the connection to peerID and schedules a push if the peer
// already has mail waiting.
func (c *wsClient) bind(peerID string) {
	c.mu.Lock()
	prev := c.peerID
	c.peerID = peerID
	c.mu.Unlock()

	if prev != peerID {
		if prev != "" {
			c.srv.hub.unbind(prev, c)
		}
		c.srv.hub.bind(peerID, c)
		c.log.Debug("websocket bound to peer", "peer_id", peerID)
	}
	if c.srv.dispatcher.Registry().HasPending(peerID) {
		c.wakeup()
	}
}

func (c *wsClient) boundPeer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

func (c *wsClient) wakeup() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(c.srv.wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.fail()
				return
			}
		case <-c.wake:
			if err := c.push(); err != nil {
				c.fail()
				return
			}
		}
	}
}

// push drains the bound peer's mailbox and notification queue into frames.
// Drained messages that fail to send are lost and counted.
func (c *wsClient) push() error {
	peerID := c.boundPeer()
	if peerID == "" {
		return nil
	}
	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()

	if pending := c.srv.dispatcher.PendingSignaling(peerID); len(pending.Messages) > 0 {
		if err := c.send(codec, pending); err != nil {
			c.srv.metrics.Add(metrics.WebSocketPushDropped, uint64(len(pending.Messages)))
			return err
		}
		c.srv.metrics.Inc(metrics.WebSocketPushes)
	}
	if notes := c.srv.dispatcher.Notifications(peerID); len(notes.Notifications) > 0 {
		if err := c.send(codec, notes); err != nil {
			c.srv.metrics.Add(metrics.WebSocketPushDropped, uint64(len(notes.Notifications)))
			return err
		}
		c.srv.metrics.Inc(metrics.WebSocketPushes)
	}
	return nil
}

// send writes one frame. Pushes reuse the codec of the client's latest frame.
func (c *wsClient) send(codec protocol.Codec, v any) error {
	b, err := codec.Encode(v)
	if err != nil {
		return err
	}
	msgType := websocket.TextMessage
	if codec == protocol.Msgpack {
		msgType = websocket.BinaryMessage
	}

	c.mu.Lock()
	c.codec = codec
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(msgType, b)
}

func (c *wsClient) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	c.fail()
}

// fail tears the connection down; the read loop then exits and shutdown runs.
func (c *wsClient) fail() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsClient) shutdown() {
	c.fail()
	if peerID := c.boundPeer(); peerID != "" {
		c.srv.hub.unbind(peerID, c)
	}
	c.srv.metrics.Inc(metrics.WebSocketDisconnected)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
