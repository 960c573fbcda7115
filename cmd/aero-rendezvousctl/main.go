// Command aero-rendezvousctl is a command-line client for the rendezvous
// signaling service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/client"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
)

const (
	envServer = "AERO_RENDEZVOUS_URL"
	envAPIKey = "AERO_RENDEZVOUS_API_KEY"
	envToken  = "AERO_RENDEZVOUS_TOKEN"

	defaultServer = "http://127.0.0.1:8001"
)

type globalOptions struct {
	server  string
	apiKey  string
	token   string
	msgpack bool
	json    bool
	timeout time.Duration
}

func (o *globalOptions) client() (*client.Client, error) {
	codec := protocol.JSON
	if o.msgpack {
		codec = protocol.Msgpack
	}
	return client.New(client.Config{
		BaseURL: o.server,
		Codec:   codec,
		APIKey:  o.apiKey,
		Token:   o.token,
	})
}

func (o *globalOptions) context(parent context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "aero-rendezvousctl",
		Short: "Client for the Aero WebRTC rendezvous signaling service",
		Long: `aero-rendezvousctl registers peers, manages room membership and relays
WebRTC offers, answers and ICE candidates through a rendezvous service.

Examples:
  aero-rendezvousctl register alice --device desktop
  aero-rendezvousctl join alice room1
  aero-rendezvousctl offer alice bob --sdp-file offer.sdp --room room1
  aero-rendezvousctl pending bob
  aero-rendezvousctl watch bob`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.server, "server", envOr(envServer, defaultServer), "rendezvous service base URL (env "+envServer+")")
	f.StringVar(&opts.apiKey, "api-key", os.Getenv(envAPIKey), "API key for AUTH_MODE=api_key (env "+envAPIKey+")")
	f.StringVar(&opts.token, "token", os.Getenv(envToken), "JWT for AUTH_MODE=jwt (env "+envToken+")")
	f.BoolVar(&opts.msgpack, "msgpack", false, "use MessagePack instead of JSON on the wire")
	f.BoolVar(&opts.json, "json", false, "print raw response envelopes as JSON")
	f.DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "per-command timeout (0 disables)")

	root.AddCommand(
		newRegisterCmd(opts),
		newJoinCmd(opts),
		newLeaveCmd(opts),
		newDiscoverCmd(opts),
		newRelayCmd(opts, protocol.TypeOffer),
		newRelayCmd(opts, protocol.TypeAnswer),
		newCandidateCmd(opts),
		newRoomInfoCmd(opts),
		newHeartbeatCmd(opts),
		newPendingCmd(opts),
		newNotificationsCmd(opts),
		newWatchCmd(opts),
		newBrowseCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
