// Package discovery advertises the rendezvous service on the local network
// over mDNS/DNS-SD and browses for other instances.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType   = "_aero-rendezvous._tcp"
	DefaultDomain = "local."

	DefaultBrowseTimeout = 3 * time.Second
)

var (
	ErrInvalidPort    = errors.New("discovery: invalid listen port")
	ErrAlreadyStarted = errors.New("discovery: advertiser already started")
)

// Server is a running mDNS registration.
type Server interface {
	Shutdown()
}

// ServerFactory registers a DNS-SD service. Tests inject a fake.
type ServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error)
}

type zeroconfFactory struct{}

func (zeroconfFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

type AdvertiserConfig struct {
	// Instance is the DNS-SD instance name.
	Instance string
	// ListenAddr is the HTTP listen address; only its port is advertised.
	ListenAddr string
	// TXT records published with the service (for example "path=/signaling").
	TXT []string

	Factory ServerFactory
	Logger  *slog.Logger
}

// Advertiser publishes the service until Shutdown is called.
type Advertiser struct {
	cfg     AdvertiserConfig
	port    int
	factory ServerFactory
	log     *slog.Logger

	mu     sync.Mutex
	server Server
}

func NewAdvertiser(cfg AdvertiserConfig) (*Advertiser, error) {
	port, err := ListenPort(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Instance) == "" {
		return nil, errors.New("discovery: instance name is required")
	}
	factory := cfg.Factory
	if factory == nil {
		factory = zeroconfFactory{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Advertiser{cfg: cfg, port: port, factory: factory, log: log}, nil
}

func (a *Advertiser) Port() int { return a.port }

func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return ErrAlreadyStarted
	}
	srv, err := a.factory.Register(a.cfg.Instance, ServiceType, DefaultDomain, a.port, a.cfg.TXT, nil)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", ServiceType, err)
	}
	a.server = srv
	a.log.Info("mdns advertisement started",
		"instance", a.cfg.Instance,
		"service", ServiceType,
		"port", a.port,
	)
	return nil
}

// Shutdown withdraws the advertisement. It is safe to call more than once.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.mu.Unlock()
	if srv == nil {
		return
	}
	srv.Shutdown()
	a.log.Info("mdns advertisement stopped", "instance", a.cfg.Instance)
}

// ListenPort extracts the TCP port from a listen address such as
// "127.0.0.1:8001" or ":8001". Port 0 is rejected since the kernel-chosen
// port is not known until after listen.
func ListenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidPort, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, addr)
	}
	return port, nil
}

// Instance is one discovered rendezvous service.
type Instance struct {
	Name  string
	Host  string
	Port  int
	Addrs []string
	TXT   []string
}

// URL returns the base HTTP URL of the instance, preferring an IPv4 address.
func (i Instance) URL() string {
	host := strings.TrimSuffix(i.Host, ".")
	for _, a := range i.Addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			host = a
			break
		}
	}
	if host == "" && len(i.Addrs) > 0 {
		host = i.Addrs[0]
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(i.Port))
}

// Browse collects instances seen before ctx is done. Without a deadline on
// ctx, DefaultBrowseTimeout applies.
func Browse(ctx context.Context) ([]Instance, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultBrowseTimeout)
		defer cancel()
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: new resolver: %w", err)
	}
	return browse(ctx, resolver.Browse)
}

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// browse runs fn until ctx is done. The collector is always stopped before
// browse returns, including when fn fails.
func browse(ctx context.Context, fn browseFunc) ([]Instance, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan []Instance, 1)
	go func() {
		results <- collect(ctx, entries)
	}()
	if err := fn(ctx, ServiceType, DefaultDomain, entries); err != nil {
		cancel()
		<-results
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	return <-results, nil
}

// collect reads entries until the resolver closes the channel or ctx is done.
func collect(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) []Instance {
	seen := map[string]struct{}{}
	var out []Instance
	for {
		select {
		case <-ctx.Done():
			return out
		case e, ok := <-entries:
			if !ok {
				return out
			}
			if e == nil {
				continue
			}
			if _, dup := seen[e.Instance]; dup {
				continue
			}
			seen[e.Instance] = struct{}{}
			out = append(out, fromEntry(e))
		}
	}
}

func fromEntry(e *zeroconf.ServiceEntry) Instance {
	inst := Instance{
		Name: e.Instance,
		Host: e.HostName,
		Port: e.Port,
		TXT:  append([]string(nil), e.Text...),
	}
	for _, ip := range e.AddrIPv4 {
		inst.Addrs = append(inst.Addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		inst.Addrs = append(inst.Addrs, ip.String())
	}
	return inst
}
