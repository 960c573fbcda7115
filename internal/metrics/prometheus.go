package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// It intentionally exposes all internal counters as a single metric with an
// `event` label. This keeps the in-process metrics registry simple while still
// allowing scraping by Prometheus.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		gauges := m.Gauges()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP aero_webrtc_rendezvous_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE aero_webrtc_rendezvous_events_total counter")
		for _, k := range sortedKeys(snap) {
			_, _ = fmt.Fprintf(w, "aero_webrtc_rendezvous_events_total{event=\"%s\"} %d\n", escapeLabel(k), snap[k])
		}
		if len(gauges) == 0 {
			return
		}
		_, _ = fmt.Fprintln(w, "# HELP aero_webrtc_rendezvous_state Current registry and connection sizes.")
		_, _ = fmt.Fprintln(w, "# TYPE aero_webrtc_rendezvous_state gauge")
		for _, k := range sortedKeys(gauges) {
			_, _ = fmt.Fprintf(w, "aero_webrtc_rendezvous_state{gauge=\"%s\"} %d\n", escapeLabel(k), gauges[k])
		}
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escapeLabel(s string) string {
	return strings.NewReplacer("\\", "\\\\", "\"", "\\\"").Replace(s)
}
