package ratelimit

import (
	"container/list"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const DefaultMaxClients = 10_000

type ClientLimiterConfig struct {
	// RequestsPerSecond is the sustained per-client rate. <= 0 disables limiting.
	RequestsPerSecond float64
	Burst             int

	// MaxClients bounds the number of tracked clients; the least recently seen
	// client's bucket is evicted first.
	MaxClients int

	Clock   Clock
	OnEvict func()
}

// ClientLimiter keeps one token bucket per client key (normally the remote IP).
type ClientLimiter struct {
	limit      rate.Limit
	burst      int
	maxClients int
	clock      Clock
	onEvict    func()

	mu      sync.Mutex
	clients map[string]*clientEntry
	lru     *list.List
}

type clientEntry struct {
	limiter *rate.Limiter
	elem    *list.Element
}

func NewClientLimiter(cfg ClientLimiterConfig) *ClientLimiter {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &ClientLimiter{
		limit:      rate.Limit(cfg.RequestsPerSecond),
		burst:      burst,
		maxClients: cfg.MaxClients,
		clock:      cfg.Clock,
		onEvict:    cfg.OnEvict,
		clients:    make(map[string]*clientEntry),
		lru:        list.New(),
	}
}

// Allow consumes one token for key. A nil or disabled limiter allows
// everything.
func (l *ClientLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	return l.limiterFor(key).AllowN(l.clock.Now(), 1)
}

// Len reports the number of tracked clients.
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *ClientLimiter) limiterFor(key string) *rate.Limiter {
	var evicted bool

	l.mu.Lock()
	if e, ok := l.clients[key]; ok {
		l.lru.MoveToFront(e.elem)
		l.mu.Unlock()
		return e.limiter
	}

	if len(l.clients) >= l.maxClients {
		if elem := l.lru.Back(); elem != nil {
			l.lru.Remove(elem)
			delete(l.clients, elem.Value.(string))
			evicted = true
		}
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.clients[key] = &clientEntry{limiter: lim, elem: l.lru.PushFront(key)}
	l.mu.Unlock()

	if evicted && l.onEvict != nil {
		l.onEvict()
	}
	return lim
}

// ClientKey returns the rate-limit key for r: the host part of RemoteAddr.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
