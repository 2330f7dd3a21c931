// Package metrics exposes the internal diagnostics counters the
// SPEC_FULL.md "Structured internal metrics" supplement adds: sessions
// created/expired, pages transferred per backend, and scan errors per
// error code. Grounded on github.com/prometheus/client_golang, the same
// library estuary-flow's go.mod pulls in for its own internal metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scanbridge_sessions_created_total",
		Help: "Total number of sessions created by authenticate.",
	})
	SessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scanbridge_sessions_expired_total",
		Help: "Total number of sessions removed by the idle sweep.",
	})
	PagesTransferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scanbridge_pages_transferred_total",
		Help: "Total number of pages transferred, labeled by backend.",
	}, []string{"backend"})
	ScanErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scanbridge_scan_errors_total",
		Help: "Total number of terminal scan errors, labeled by error code.",
	}, []string{"code"})
)

// NewRegistry returns a fresh dedicated registry holding the four
// counters, rather than the global default registry, so tests can
// construct isolated instances without cross-test leakage. No HTTP
// endpoint in the daemon serves it.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(SessionsCreated, SessionsExpired, PagesTransferred, ScanErrors)
	return reg
}
