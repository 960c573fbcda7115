package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-rendezvous",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"reap_interval", cfg.ReapInterval,
		"stale_after", cfg.StaleAfter,
		"max_candidates_per_peer", cfg.MaxCandidatesPerPeer,
		"max_notifications_per_peer", cfg.MaxNotificationsPerPeer,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"strict_payloads", cfg.StrictPayloads,
		"mdns", cfg.MDNS,
	)

	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	reg := registry.New(registry.Options{
		Metrics:                 m,
		MaxCandidatesPerPeer:    cfg.MaxCandidatesPerPeer,
		MaxNotificationsPerPeer: cfg.MaxNotificationsPerPeer,
	})
	dispatcher := signaling.NewDispatcher(signaling.DispatcherConfig{
		Registry:       reg,
		StrictPayloads: cfg.StrictPayloads,
		Logger:         logger,
	})
	authz, err := signaling.NewAuthorizer(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		os.Exit(2)
	}
	limiter := ratelimit.NewClientLimiter(ratelimit.ClientLimiterConfig{
		RequestsPerSecond: cfg.ClientRequestsPerSecond,
		Burst:             cfg.ClientBurst,
		MaxClients:        cfg.MaxRateLimitedClients,
		OnEvict:           func() { m.Inc(metrics.RateLimiterEvicted) },
	})

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)

	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, m)
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}
	sig := signaling.NewServer(signaling.Config{
		Dispatcher:          dispatcher,
		Authorizer:          authz,
		Limiter:             limiter,
		MaxMessageBytes:     cfg.MaxSignalingMessageBytes,
		WSPingInterval:      cfg.SignalingWSPingInterval,
		WSIdleTimeout:       cfg.SignalingWSIdleTimeout,
		WSMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		Logger:              logger,
	})
	sig.RegisterRoutes(srv)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}
	logger.Info("listening", "addr", ln.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaper := registry.NewReaper(reg, registry.ReaperConfig{
		Interval:   cfg.ReapInterval,
		StaleAfter: cfg.StaleAfter,
		Logger:     logger,
	})
	reaper.Start(ctx)

	var adv *discovery.Advertiser
	if cfg.MDNS {
		adv, err = startAdvertiser(cfg, ln, logger)
		if err != nil {
			// LAN discovery is best effort; the service still works without it.
			logger.Warn("mdns advertisement disabled", "err", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	stopBackground := func() {
		reaper.Stop()
		sig.Close()
		if adv != nil {
			adv.Shutdown()
		}
	}

	select {
	case err := <-errCh:
		stopBackground()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Withdraw the advertisement first so new clients stop finding us.
	if adv != nil {
		adv.Shutdown()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	stopBackground()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// startAdvertiser publishes the bound port, which may differ from the
// configured one when the listen address asks for port 0.
func startAdvertiser(cfg config.Config, ln net.Listener, logger *slog.Logger) (*discovery.Advertiser, error) {
	adv, err := discovery.NewAdvertiser(discovery.AdvertiserConfig{
		Instance:   cfg.MDNSInstance,
		ListenAddr: ln.Addr().String(),
		TXT:        []string{"path=/signaling", "ws=/signaling/ws"},
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if err := adv.Start(); err != nil {
		return nil, err
	}
	return adv, nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
