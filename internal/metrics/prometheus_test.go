package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc("foo")
	m.Add("bar", 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE aero_webrtc_rendezvous_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `aero_webrtc_rendezvous_events_total{event="bar"} 2`) {
		t.Fatalf("missing bar counter: %s", body)
	}
	if !strings.Contains(body, `aero_webrtc_rendezvous_events_total{event="foo"} 1`) {
		t.Fatalf("missing foo counter: %s", body)
	}
	// Ensure label escaping matches Prometheus text format rules.
	if !strings.Contains(body, `aero_webrtc_rendezvous_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
}

func TestPrometheusHandler_ExposesGauges(t *testing.T) {
	m := New()
	n := int64(3)
	m.SetGauge(GaugePeers, func() int64 { return n })
	m.SetGauge(GaugeRooms, func() int64 { return 1 })

	rr := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE aero_webrtc_rendezvous_state gauge") {
		t.Fatalf("missing gauge TYPE header: %s", body)
	}
	if !strings.Contains(body, `aero_webrtc_rendezvous_state{gauge="peers"} 3`) {
		t.Fatalf("missing peers gauge: %s", body)
	}

	// Gauges are sampled on every scrape.
	n = 5
	rr = httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `aero_webrtc_rendezvous_state{gauge="peers"} 5`) {
		t.Fatalf("gauge not resampled: %s", rr.Body.String())
	}
}

func TestPrometheusHandler_OmitsGaugeBlockWhenEmpty(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(New()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if strings.Contains(rr.Body.String(), "aero_webrtc_rendezvous_state") {
		t.Fatalf("unexpected gauge block: %s", rr.Body.String())
	}
}
