// Registers:
//
//	#marketlink_market_severity{market}
//	#marketlink_faults_total{market,operation,code}
//	#marketlink_bootstrap_total{market,result}
//	#marketlink_state_transitions_total{market,to}
//	#go_* and process_* system metrics
//
// Exposed through Handler() on the status server's /metrics route.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketlink/logger"
)

var (
	once           sync.Once
	registry       *prometheus.Registry
	marketSeverity *prometheus.GaugeVec
	faultsTotal    *prometheus.CounterVec
	bootstrapTotal *prometheus.CounterVec
	transitions    *prometheus.CounterVec
)

func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		marketSeverity = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketlink_market_severity",
				Help: "Current severity code of each market connection",
			},
			[]string{"market"},
		)
		faultsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketlink_faults_total",
				Help: "Classified exchange faults",
			},
			[]string{"market", "operation", "code"},
		)
		bootstrapTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketlink_bootstrap_total",
				Help: "Bootstrap attempts by result",
			},
			[]string{"market", "result"},
		)
		transitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketlink_state_transitions_total",
				Help: "Lifecycle state transitions",
			},
			[]string{"market", "to"},
		)

		registry.MustRegister(marketSeverity, faultsTotal, bootstrapTotal, transitions)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the Prometheus registry. Init is called on first use.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ReportSeverity records the current severity code of a market.
func ReportSeverity(market string, code int32) {
	if marketSeverity != nil {
		marketSeverity.WithLabelValues(market).Set(float64(code))
	}
	logger.RecordSeverity(market, int(code))
	EmitMetric(nil, "controller", "severity", int64(code), "gauge", logger.Fields{"market": market, "unit": "none"})
}

// ReportFault counts one classified fault.
func ReportFault(market, operation string, code int32) {
	if faultsTotal != nil {
		faultsTotal.WithLabelValues(market, operation, strconv.Itoa(int(code))).Inc()
	}
	EmitMetric(nil, "classifier", "fault", 1, "counter", logger.Fields{
		"market":    market,
		"operation": operation,
		"code":      strconv.Itoa(int(code)),
	})
}

// ReportBootstrap counts a finished bootstrap and its duration.
func ReportBootstrap(market string, ok bool, duration time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	if bootstrapTotal != nil {
		bootstrapTotal.WithLabelValues(market, result).Inc()
	}
	fields := logger.Fields{
		"market":      market,
		"duration_ms": duration.Milliseconds(),
	}
	EmitMetric(nil, "controller", "bootstrap_attempt", 1, "counter", fields)
	if !ok {
		EmitMetric(nil, "controller", "bootstrap_failed", 1, "counter", fields)
	}
}

// ReportTransition counts a lifecycle state change.
func ReportTransition(market, from, to string) {
	if transitions != nil {
		transitions.WithLabelValues(market, to).Inc()
	}
	EmitMetric(nil, "controller", "state_transition", 1, "counter", logger.Fields{
		"market": market,
		"from":   from,
		"to":     to,
	})
}
