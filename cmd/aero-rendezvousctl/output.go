package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
)

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(out io.Writer, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func renderPeerList(out io.Writer, peers []string) {
	if len(peers) == 0 {
		fmt.Fprintln(out, "no other peers")
		return
	}
	t := newTable(out, table.Row{"#", "Peer"})
	for i, p := range peers {
		t.AppendRow(table.Row{i + 1, p})
	}
	t.Render()
}

func renderRoomInfo(out io.Writer, info protocol.RoomInfo) {
	t := newTable(out, table.Row{"Peer", "Device", "Last Seen"})
	t.SetTitle(fmt.Sprintf("Room %s", info.RoomID))
	for _, m := range info.Peers {
		lastSeen := "never registered"
		if m.LastSeen != nil {
			lastSeen = formatMillis(*m.LastSeen)
		}
		t.AppendRow(table.Row{m.PeerID, m.DeviceType, lastSeen})
	}
	t.AppendFooter(table.Row{"", "Total", info.PeerCount})
	t.Render()
}

func renderPending(out io.Writer, msgs []protocol.PendingMessage) {
	if len(msgs) == 0 {
		fmt.Fprintln(out, "no pending signaling")
		return
	}
	t := newTable(out, table.Row{"Type", "From", "Room", "Time", "Payload"})
	for _, m := range msgs {
		t.AppendRow(table.Row{m.Type, m.FromPeerID, m.RoomID, formatMillis(m.Timestamp), summarizePayload(m)})
	}
	t.Render()
}

func renderNotifications(out io.Writer, notes []protocol.Notification) {
	if len(notes) == 0 {
		fmt.Fprintln(out, "no notifications")
		return
	}
	t := newTable(out, table.Row{"Event", "Peer", "Device", "Room", "Time"})
	for _, n := range notes {
		t.AppendRow(table.Row{n.Type, n.PeerID, n.DeviceType, n.RoomID, formatMillis(n.Timestamp)})
	}
	t.Render()
}

func renderInstances(out io.Writer, instances []discovery.Instance) {
	t := newTable(out, table.Row{"Instance", "URL", "Addresses", "TXT"})
	for _, inst := range instances {
		t.AppendRow(table.Row{inst.Name, inst.URL(), strings.Join(inst.Addrs, ", "), strings.Join(inst.TXT, " ")})
	}
	t.Render()
}

// summarizePayload shows the SDP type and size, or the candidate line.
func summarizePayload(m protocol.PendingMessage) string {
	var payload any
	switch {
	case m.Offer != nil:
		payload = m.Offer
	case m.Answer != nil:
		payload = m.Answer
	case m.Candidate != nil:
		payload = m.Candidate
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		b, _ := json.Marshal(payload)
		return truncate(string(b), 60)
	}
	if sdp, ok := obj["sdp"].(string); ok {
		return fmt.Sprintf("%v sdp (%d bytes)", obj["type"], len(sdp))
	}
	if cand, ok := obj["candidate"].(string); ok {
		return truncate(cand, 60)
	}
	b, _ := json.Marshal(obj)
	return truncate(string(b), 60)
}
