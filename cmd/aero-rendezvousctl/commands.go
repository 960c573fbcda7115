package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/client"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
)

// run wraps a command body with the client and timeout from the global flags.
func run(opts *globalOptions, fn func(ctx context.Context, c *client.Client, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		c, err := opts.client()
		if err != nil {
			return err
		}
		ctx, cancel := opts.context(cmd.Context())
		defer cancel()
		return fn(ctx, c, cmd.OutOrStdout())
	}
}

func newRegisterCmd(opts *globalOptions) *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "register <peer-id>",
		Short: "Register (or re-register) a peer",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&device, "device", "", "device type reported to other peers")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(opts, func(ctx context.Context, c *client.Client, out io.Writer) error {
			resp, err := c.Register(ctx, args[0], device)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(out, resp)
			}
			fmt.Fprintf(out, "registered %s\n", resp.PeerID)
			return nil
		})(cmd, args)
	}
	return cmd
}

func newJoinCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <peer-id> <room-id>",
		Short: "Join a room and list the peers already in it",
		Args:  cobra.ExactArgs(2),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(opts, func(ctx context.Context, c *client.Client, out io.Writer) error {
			resp, err := c.JoinRoom(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(out, resp)
			}
			fmt.Fprintf(out, "joined %s\n", resp.RoomID)
			renderPeerList(out, resp.Peers)
			return nil
		})(cmd, args)
	}
	return cmd
}

func newLeaveCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leave <peer-id> <room-id>",
		Short: "Leave a room",
		Args:  cobra.ExactArgs(2),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(opts, func(ctx context.Context, c *client.Client, out io.Writer) error {
			resp, err := c.LeaveRoom(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(out, resp)
			}
			fmt.Fprintf(out, "left %s\n", resp.RoomID)
			return nil
		})(cmd, args)
	}
	return cmd
}

func newDiscoverCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover <peer-id> <room-id>",
		Short: "List the other peers in a room",
		Args:  cobra.ExactArgs(2),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(opts, func(ctx context.Context, c *client.Client, out io.Writer) error {
			resp, err := c.DiscoverPeers(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(out, resp)
			}
			renderPeerList(out, resp.Peers)
			return nil
		})(cmd, args)
	}
	return cmd
}

// newRelayCmd builds the offer and answer commands; they differ only in the
// SDP type and the request type.
func newRelayCmd(opts *globalOptions, typ protocol.Type) *cobra.Command {
	var (
		room    string
		sdp     string
		sdpFile string
	)
	cmd := &cobra.Command{
		Use:   string(typ) + " <from-peer-id> <target-peer-id>",
		Short: "Relay an SDP " + string(typ) + " to another peer",
		Args:  cobra.ExactArgs(2),
	}
	cmd.Flags().StringVar(&room, "room", "", "room id recorded with the message")
	cmd.Flags().StringVar(&sdp, "sdp", "", "SDP text")
	cmd.Flags().StringVar(&sdpFile, "sdp-file", "", "read SDP from a file ('-' for stdin)")
	cmd.MarkFlagsMutuallyExclusive("sdp", "sdp-file")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		text, err := readSDP(cmd.InOrStdin(), sdp, sdpFile)
		if err != nil {
			return err
		}
		payload := map[string]any{"type": string(typ), "sdp": text}
		return run(opts, func(ctx context.Context, c *client.Client, out io.Writer) error {
			var (
				resp protocol.Relayed
				err  error
			)
			if typ == protocol.TypeOffer {
				resp, err = c.SendOffer(ctx, args[0], args[1], room, payload)
			} else {
				resp, err = c.SendAnswer(ctx, args[0], args[1], room, payload)
			}
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(out, resp)
			}
			fmt.Fprintf(out, "%s relayed to %s\n", typ, args[1])
			return nil
		})(cmd, args)
	}
	return cmd
}

func readSDP(stdin io.Reader, inline, path string) (string, error) {
	switch {
	case inline != "":
		return inline, nil
	case path == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read sdp from stdin: %w", err)
		}
		return string(b), nil
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read sdp: %w", err)
		}
		return string(b), nil
	}
	return "", errors.New("one of --sdp or --sdp-file is required")
}

func newCandidateCmd(opts *globalOptions) *cobra.Command {
	var (
		room      string
		candidate string
		sdpMid    string
		mline     int
	)
	cmd := &cobra.Command{
		Use:   "candidate <from-peer-id> <target-peer-id>",
		Short: "Relay an ICE candidate to another peer",
		Args:  cobra.ExactArgs(2),
	}
	cmd.Flags().StringVar(&room, "room", "", "room id recorded with the message")
	cmd.Flags().StringVar(&candidate, "candidate", "", `candidate line, e.g. "candidate:1 1 udp 2130706431 10.0.0.2 5000 typ host"`)
	cmd.Flags().StringVar(&sdpMid, "sdp-mid", "0", "sdpMid of the candidate")
	cmd.Flags().IntVar(&mline, "sdp-mline-index", 0, "sdpMLineIndex of the candidate (-1 omits it)")
	_ = cmd.MarkFlagRequired("candidate")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		payload := map[string]any{"candidate": candidate}
		if sdpMid != "" {
			payload["sdpMid"] = sdpMid
		}
		if mline >= 0 {
			payload["sdpMLineIndex"] = mline
		}
		return run(opts, func(ctx context.Context, c *client.Client, out io.Writer) error {
			resp, err := c.SendCandidate(ctx, args[0], args[1], room, payload)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(out, resp)
			}
			fmt.Fprintf(out, "candidate relayed to %s\n", args[1])
			return nil
		})(cmd, args)
	}
	return cmd
}

func newRoomInfoCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room-info <room-id>",
		Short: "Show a room's members",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(opts, func(ctx context.Context, c *client.Client, out io.Writer) error {
			resp, err := c.RoomInfo(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(out, resp)
			}
			renderRoomInfo(out, resp)
			return nil
		})(cmd, args)
	}
	return cmd
}

func newHeartbeatCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat <peer-id>",
		Short: "Refresh a peer's last-seen time",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(opts, func(ctx context.Context, c *client.Client, out io.Writer) error {
			resp, err := c.Heartbeat(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(out, resp)
			}
			fmt.Fprintln(out, "ok")
			return nil
		})(cmd, args)
	}
	return cmd
}

func newPendingCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending <peer-id>",
		Short: "Drain the offers, answers and candidates waiting for a peer",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(opts, func(ctx context.Context, c *client.Client, out io.Writer) error {
			resp, err := c.PendingSignaling(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(out, resp)
			}
			renderPending(out, resp.Messages)
			return nil
		})(cmd, args)
	}
	return cmd
}

func newNotificationsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications <peer-id>",
		Short: "Drain a peer's room membership notifications",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(opts, func(ctx context.Context, c *client.Client, out io.Writer) error {
			resp, err := c.Notifications(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(out, resp)
			}
			renderNotifications(out, resp.Notifications)
			return nil
		})(cmd, args)
	}
	return cmd
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var (
		device    string
		room      string
		heartbeat time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <peer-id>",
		Short: "Register over WebSocket and print pushed signaling until interrupted",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&device, "device", "cli", "device type to register with")
	cmd.Flags().StringVar(&room, "room", "", "room to join after registering")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", time.Minute, "heartbeat interval")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		c, err := opts.client()
		if err != nil {
			return err
		}
		// The global timeout bounds the dial only; watch runs until cancelled.
		dialCtx, cancel := opts.context(cmd.Context())
		conn, err := c.DialWebSocket(dialCtx)
		cancel()
		if err != nil {
			return err
		}
		return watch(cmd.Context(), conn, cmd.OutOrStdout(), watchOptions{
			peerID:    args[0],
			device:    device,
			room:      room,
			heartbeat: heartbeat,
			json:      opts.json,
		})
	}
	return cmd
}

type watchOptions struct {
	peerID    string
	device    string
	room      string
	heartbeat time.Duration
	json      bool
}

func watch(ctx context.Context, conn *client.Conn, out io.Writer, o watchOptions) error {
	defer conn.Close()

	if err := conn.Send(protocol.Request{Type: protocol.TypeRegister, PeerID: o.peerID, DeviceType: o.device}); err != nil {
		return err
	}
	if o.room != "" {
		if err := conn.Send(protocol.Request{Type: protocol.TypeJoinRoom, PeerID: o.peerID, RoomID: o.room}); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		var tick <-chan time.Time
		if o.heartbeat > 0 {
			t := time.NewTicker(o.heartbeat)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-ctx.Done():
				// Unblocks Next.
				_ = conn.Close()
				return
			case <-done:
				return
			case <-tick:
				_ = conn.Send(protocol.Request{Type: protocol.TypeHeartbeat, PeerID: o.peerID})
			}
		}
	}()

	for {
		reply, err := conn.Next()
		if err != nil {
			var se *client.ServerError
			if errors.As(err, &se) {
				fmt.Fprintf(out, "error: %s\n", se.Message)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := printReply(out, reply, o.json); err != nil {
			return err
		}
	}
}

func printReply(out io.Writer, reply client.Reply, asJSON bool) error {
	if asJSON {
		m, err := reply.Map()
		if err != nil {
			return err
		}
		return printJSON(out, m)
	}
	switch reply.Type {
	case protocol.TypePendingSignaling:
		var p protocol.PendingSignaling
		if err := reply.Decode(&p); err != nil {
			return err
		}
		renderPending(out, p.Messages)
	case protocol.TypeNotifications:
		var n protocol.Notifications
		if err := reply.Decode(&n); err != nil {
			return err
		}
		renderNotifications(out, n.Notifications)
	case protocol.TypeRoomJoined:
		var j protocol.RoomJoined
		if err := reply.Decode(&j); err != nil {
			return err
		}
		fmt.Fprintf(out, "joined %s (%d other peers)\n", j.RoomID, len(j.Peers))
	case protocol.TypeHeartbeatAck:
		// Quiet.
	default:
		fmt.Fprintln(out, reply.Type)
	}
	return nil
}

func newBrowseCmd(opts *globalOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Find rendezvous services on the local network via mDNS",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().DurationVar(&wait, "wait", discovery.DefaultBrowseTimeout, "how long to listen for announcements")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), wait)
		defer cancel()
		instances, err := discovery.Browse(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if opts.json {
			return printJSON(out, instances)
		}
		if len(instances) == 0 {
			fmt.Fprintln(out, "no rendezvous services found")
			return nil
		}
		renderInstances(out, instances)
		return nil
	}
	return cmd
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
