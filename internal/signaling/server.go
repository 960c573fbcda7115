package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/ratelimit"
)

const (
	defaultMaxMessageBytes     = 64 * 1024
	defaultWSPingInterval      = 20 * time.Second
	defaultWSIdleTimeout       = 60 * time.Second
	defaultWSMessagesPerSecond = 50

	messageMalformed    = "Malformed request"
	messageRateLimited  = "Too many requests"
	messageTooLarge     = "Request too large"
	messageUnauthorized = "Unauthorized"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Dispatcher *Dispatcher

	// Hub tracks WebSocket connections bound to peers. If nil, a hub is created
	// and attached to the dispatcher's registry.
	Hub *Hub

	// Authorizer gates every request and WebSocket upgrade. Nil allows all.
	Authorizer Authorizer

	// Limiter applies the per-client-IP request budget to HTTP requests and
	// WebSocket upgrades. Nil disables it.
	Limiter *ratelimit.ClientLimiter

	MaxMessageBytes int64

	WSPingInterval      time.Duration
	WSIdleTimeout       time.Duration
	WSMessagesPerSecond int

	Logger *slog.Logger
}

// Server implements the rendezvous signaling surface.
//
// Endpoints:
//   - POST /signaling       : one request envelope per call (JSON or msgpack)
//   - POST /real-signaling  : alias of /signaling
//   - GET  /signaling/ws    : WebSocket, one envelope per frame, server push
type Server struct {
	dispatcher *Dispatcher
	hub        *Hub
	authorizer Authorizer
	limiter    *ratelimit.ClientLimiter
	metrics    *metrics.Metrics
	log        *slog.Logger

	maxMessageBytes     int64
	wsPingInterval      time.Duration
	wsIdleTimeout       time.Duration
	wsMessagesPerSecond int

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	d := cfg.Dispatcher
	if d == nil {
		d = NewDispatcher(DispatcherConfig{Logger: log})
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(d.Registry().Metrics(), log)
		d.Registry().SetPendingHook(hub.Notify)
	}
	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = AllowAllAuthorizer{}
	}

	s := &Server{
		dispatcher:          d,
		hub:                 hub,
		authorizer:          authorizer,
		limiter:             cfg.Limiter,
		metrics:             d.Registry().Metrics(),
		log:                 log,
		maxMessageBytes:     cfg.MaxMessageBytes,
		wsPingInterval:      cfg.WSPingInterval,
		wsIdleTimeout:       cfg.WSIdleTimeout,
		wsMessagesPerSecond: cfg.WSMessagesPerSecond,
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = defaultMaxMessageBytes
	}
	if s.wsIdleTimeout <= 0 {
		s.wsIdleTimeout = defaultWSIdleTimeout
	}
	if s.wsPingInterval <= 0 || s.wsPingInterval >= s.wsIdleTimeout {
		s.wsPingInterval = min(defaultWSPingInterval, s.wsIdleTimeout/2)
	}
	if s.wsMessagesPerSecond <= 0 {
		s.wsMessagesPerSecond = defaultWSMessagesPerSecond
	}
	s.upgrader = websocket.Upgrader{
		// The origin policy runs in the HTTP middleware before the upgrade.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// RouteRegistrar is satisfied by httpserver.Server: routes registered through
// it are reachable from browser pages on allowed origins.
type RouteRegistrar interface {
	HandleBrowser(pattern string, h http.Handler)
}

func (s *Server) RegisterRoutes(r RouteRegistrar) {
	r.HandleBrowser("/signaling", http.HandlerFunc(s.handleHTTP))
	r.HandleBrowser("/real-signaling", http.HandlerFunc(s.handleHTTP))
	r.HandleBrowser("/signaling/ws", http.HandlerFunc(s.handleWebSocket))
}

type muxRegistrar struct{ mux *http.ServeMux }

func (m muxRegistrar) HandleBrowser(pattern string, h http.Handler) { m.mux.Handle(pattern, h) }

// Handler serves the signaling routes without the outer middleware. Tests and
// embedders that bring their own origin policy use it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(muxRegistrar{mux: mux})
	return mux
}

func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

func (s *Server) Hub() *Hub { return s.hub }

// Close drops every live WebSocket connection.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.metrics.Inc(metrics.RequestsHTTP)
	codec := protocol.CodecForContentType(r.Header.Get("Content-Type"))

	if !s.admit(w, r, codec) {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.Inc(metrics.DropReasonBodyTooLarge)
			writeResponse(w, codec, http.StatusRequestEntityTooLarge, protocol.NewError(messageTooLarge))
			return
		}
		s.metrics.Inc(metrics.BadRequest)
		writeResponse(w, codec, http.StatusBadRequest, protocol.NewError(messageMalformed))
		return
	}

	req, err := protocol.DecodeRequest(codec, body)
	if err != nil {
		s.metrics.Inc(metrics.BadRequest)
		s.log.Debug("bad signaling request", "remote", r.RemoteAddr, "codec", codec.Name(), "err", err)
		writeResponse(w, codec, http.StatusBadRequest, decodeErrorResponse(err))
		return
	}

	writeResponse(w, codec, http.StatusOK, s.dispatcher.Dispatch(req, r.RemoteAddr))
}

// admit applies the client rate limit and authorization shared by both
// transports. It writes the rejection itself and reports whether to continue.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, codec protocol.Codec) bool {
	if !s.limiter.Allow(ratelimit.ClientKey(r)) {
		s.metrics.Inc(metrics.DropReasonRateLimited)
		w.Header().Set("Retry-After", "1")
		writeResponse(w, codec, http.StatusTooManyRequests, protocol.NewError(messageRateLimited))
		return false
	}

	if err := s.authorizer.Authorize(r); err != nil {
		if auth.IsUnauthorized(err) {
			s.metrics.Inc(metrics.AuthFailure)
			writeResponse(w, codec, http.StatusUnauthorized, protocol.NewError(messageUnauthorized))
			return false
		}
		s.log.Error("signaling authorization failed", "err", err)
		writeResponse(w, codec, http.StatusInternalServerError, protocol.NewError("Internal error"))
		return false
	}
	return true
}

func decodeErrorResponse(err error) protocol.Error {
	if errors.Is(err, protocol.ErrMissingType) {
		return protocol.MissingFieldError("type")
	}
	return protocol.NewError(messageMalformed)
}

func writeResponse(w http.ResponseWriter, codec protocol.Codec, status int, v any) {
	b, err := codec.Encode(v)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", codec.ContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
