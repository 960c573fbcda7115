package signaling

import (
	"log/slog"

	"github.com/go4org/hashtriemap"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
)

// Hub maps peer ids to the WebSocket connection currently bound to them. The
// registry's pending hook calls Notify, which wakes the connection's writer so
// it drains and pushes the peer's mailbox.
type Hub struct {
	conns   hashtriemap.HashTrieMap[string, *wsClient]
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewHub(m *metrics.Metrics, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{metrics: m, log: log}
	m.SetGauge(metrics.GaugeWebSocketPeers, func() int64 { return int64(h.Len()) })
	return h
}

// Notify wakes the connection bound to peerID, if any. It never blocks.
func (h *Hub) Notify(peerID string) {
	if c, ok := h.conns.Load(peerID); ok {
		c.wakeup()
	}
}

// Len reports the number of bound peers.
func (h *Hub) Len() int {
	n := 0
	h.conns.Range(func(string, *wsClient) bool {
		n++
		return true
	})
	return n
}

// Close closes every bound connection.
func (h *Hub) Close() {
	h.conns.Range(func(peerID string, c *wsClient) bool {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		h.conns.CompareAndDelete(peerID, c)
		return true
	})
}

// bind makes c the push target for peerID. A later connection for the same
// peer takes over; the earlier one keeps serving requests but gets no pushes.
func (h *Hub) bind(peerID string, c *wsClient) {
	if old, ok := h.conns.Load(peerID); ok && old != c {
		h.log.Debug("peer rebound to new websocket", "peer_id", peerID)
	}
	h.conns.Store(peerID, c)
}

// unbind removes peerID only if it is still bound to c.
func (h *Hub) unbind(peerID string, c *wsClient) {
	h.conns.CompareAndDelete(peerID, c)
}
