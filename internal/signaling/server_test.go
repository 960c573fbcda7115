package signaling

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/registry"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Dispatcher == nil {
		reg := registry.New(registry.Options{Metrics: metrics.New()})
		cfg.Dispatcher = NewDispatcher(DispatcherConfig{Registry: reg, Logger: discardLogger()})
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	s := NewServer(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func postJSON(t *testing.T, url string, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response (status %d): %v", resp.StatusCode, err)
	}
	return resp.StatusCode, out
}

func TestHTTP_RegisterJoinDiscover(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	status, body := postJSON(t, ts.URL+"/signaling", `{"type":"register","peerId":"A","deviceType":"desktop"}`)
	if status != http.StatusOK || body["type"] != "registered" || body["success"] != true || body["peerId"] != "A" {
		t.Fatalf("register status=%d body=%v", status, body)
	}
	postJSON(t, ts.URL+"/signaling", `{"type":"join_room","peerId":"A","roomId":"room1"}`)
	postJSON(t, ts.URL+"/real-signaling", `{"type":"register","peerId":"B"}`)

	_, body = postJSON(t, ts.URL+"/real-signaling", `{"type":"join_room","peerId":"B","roomId":"room1"}`)
	if peers, _ := body["peers"].([]any); len(peers) != 1 || peers[0] != "A" {
		t.Fatalf("join B body=%v, want peers [A]", body)
	}

	_, body = postJSON(t, ts.URL+"/signaling", `{"type":"discover_peers","peerId":"A","roomId":"room1"}`)
	if peers, _ := body["peers"].([]any); len(peers) != 1 || peers[0] != "B" {
		t.Fatalf("discover body=%v, want peers [B]", body)
	}
}

func TestHTTP_DomainErrorsAre200(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	cases := []struct {
		body string
		want string
	}{
		{`{"type":"offer","peerId":"A","targetPeerId":"B","offer":{"sdp":"x"}}`, "Target peer not found"},
		{`{"type":"get_room_info","roomId":"missing"}`, "Room not found"},
		{`{"type":"warp","peerId":"A"}`, "Unknown request type"},
		{`{"type":"join_room","peerId":"A"}`, "Missing required field: roomId"},
	}
	for _, tc := range cases {
		status, body := postJSON(t, ts.URL+"/signaling", tc.body)
		if status != http.StatusOK {
			t.Fatalf("%s: status=%d, want 200", tc.body, status)
		}
		if body["type"] != "error" || body["message"] != tc.want {
			t.Fatalf("%s: body=%v, want error %q", tc.body, body, tc.want)
		}
	}
}

func TestHTTP_MalformedIs400(t *testing.T) {
	s, ts := newTestServer(t, Config{})

	cases := []struct {
		body string
		want string
	}{
		{`not json`, "Malformed request"},
		{`{"type":"register"} {"type":"register"}`, "Malformed request"},
		{`[]`, "Malformed request"},
		{`{"peerId":"A"}`, "Missing required field: type"},
	}
	for _, tc := range cases {
		status, body := postJSON(t, ts.URL+"/signaling", tc.body)
		if status != http.StatusBadRequest {
			t.Fatalf("%q: status=%d, want 400", tc.body, status)
		}
		if body["type"] != "error" || body["message"] != tc.want {
			t.Fatalf("%q: body=%v, want %q", tc.body, body, tc.want)
		}
	}
	if s.Dispatcher().Registry().PeerExists("A") {
		t.Fatalf("malformed request mutated the registry")
	}
	if n := s.metrics.Get(metrics.BadRequest); n != uint64(len(cases)) {
		t.Fatalf("bad_request=%d, want %d", n, len(cases))
	}
}

func TestHTTP_MethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	resp, err := http.Get(ts.URL + "/signaling")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want 405", resp.StatusCode)
	}
}

func TestHTTP_BodyTooLarge(t *testing.T) {
	s, ts := newTestServer(t, Config{MaxMessageBytes: 64})
	body := `{"type":"register","peerId":"` + strings.Repeat("x", 128) + `"}`
	resp, err := http.Post(ts.URL+"/signaling", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d, want 413", resp.StatusCode)
	}
	if s.metrics.Get(metrics.DropReasonBodyTooLarge) != 1 {
		t.Fatalf("body_too_large not counted")
	}
}

func TestHTTP_Msgpack(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	payload, err := msgpack.Marshal(map[string]any{"type": "register", "peerId": "A", "deviceType": "mobile"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(ts.URL+"/signaling", "application/msgpack", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != protocol.ContentTypeMsgpack {
		t.Fatalf("Content-Type=%q, want %q", ct, protocol.ContentTypeMsgpack)
	}
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["type"] != "registered" || out["peerId"] != "A" || out["success"] != true {
		t.Fatalf("body=%v", out)
	}
}

type frozenClock struct{}

func (frozenClock) Now() time.Time { return time.Unix(1_700_000_000, 0) }

func TestHTTP_RateLimited(t *testing.T) {
	limiter := ratelimit.NewClientLimiter(ratelimit.ClientLimiterConfig{
		RequestsPerSecond: 0.001,
		Burst:             2,
		Clock:             frozenClock{},
	})
	s, ts := newTestServer(t, Config{Limiter: limiter})

	for i := 0; i < 2; i++ {
		if status, _ := postJSON(t, ts.URL+"/signaling", `{"type":"heartbeat","peerId":"A"}`); status != http.StatusOK {
			t.Fatalf("request %d status=%d, want 200", i, status)
		}
	}
	status, body := postJSON(t, ts.URL+"/signaling", `{"type":"heartbeat","peerId":"A"}`)
	if status != http.StatusTooManyRequests || body["type"] != "error" {
		t.Fatalf("status=%d body=%v, want 429 error", status, body)
	}
	if s.metrics.Get(metrics.DropReasonRateLimited) != 1 {
		t.Fatalf("rate_limited not counted")
	}
}

func TestHTTP_APIKeyAuth(t *testing.T) {
	authorizer, err := NewAuthorizer(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	s, ts := newTestServer(t, Config{Authorizer: authorizer})

	status, body := postJSON(t, ts.URL+"/signaling", `{"type":"register","peerId":"A"}`)
	if status != http.StatusUnauthorized || body["message"] != "Unauthorized" {
		t.Fatalf("no key: status=%d body=%v, want 401", status, body)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/signaling", strings.NewReader(`{"type":"register","peerId":"A"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: status=%d, want 401", resp.StatusCode)
	}

	status, body = postJSON(t, ts.URL+"/signaling?apiKey=secret", `{"type":"register","peerId":"A"}`)
	if status != http.StatusOK || body["type"] != "registered" {
		t.Fatalf("query key: status=%d body=%v", status, body)
	}
	if s.metrics.Get(metrics.AuthFailure) != 2 {
		t.Fatalf("auth_failure=%d, want 2", s.metrics.Get(metrics.AuthFailure))
	}
}

func TestNewAuthorizer_NoneAllowsAll(t *testing.T) {
	a, err := NewAuthorizer(config.Config{AuthMode: config.AuthModeNone})
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	if _, ok := a.(AllowAllAuthorizer); !ok {
		t.Fatalf("authorizer=%T, want AllowAllAuthorizer", a)
	}
}
