package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"marketlink/logger"
)

func resetObservers() {
	observers.mu.Lock()
	observers.fns = make(map[uint64]func(Metric))
	observers.mu.Unlock()
}

func TestSubscribeNilIsNoop(t *testing.T) {
	resetObservers()

	unsubscribe := Subscribe(nil)
	unsubscribe()
	if n := observers.count(); n != 0 {
		t.Fatalf("expected no observers, got %d", n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	resetObservers()

	var got []string
	unsubscribe := Subscribe(func(m Metric) { got = append(got, m.Name) })
	other := Subscribe(func(Metric) {})
	if n := observers.count(); n != 2 {
		t.Fatalf("expected 2 observers, got %d", n)
	}

	EmitMetric(nil, "controller", "bootstrap_attempt", 1, "counter", nil)
	unsubscribe()
	unsubscribe()
	EmitMetric(nil, "controller", "bootstrap_failed", 1, "counter", nil)
	other()

	if len(got) != 1 || got[0] != "bootstrap_attempt" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
	if n := observers.count(); n != 0 {
		t.Fatalf("observers left behind: %d", n)
	}
}

func TestEmitMetricDispatchesToSubscribers(t *testing.T) {
	resetObservers()

	events := make(chan Metric, 1)
	t.Cleanup(Subscribe(func(m Metric) { events <- m }))

	fields := logger.Fields{"market": "Bybit", "unit": "count"}
	EmitMetric(logger.New(), "classifier", "fault", 1, "counter", fields)

	select {
	case event := <-events:
		if event.Component != "classifier" || event.Name != "fault" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if event.Market != "Bybit" {
			t.Fatalf("market not extracted: %q", event.Market)
		}
		if event.Timestamp.Location() != time.UTC {
			t.Fatalf("timestamp not UTC: %v", event.Timestamp)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("original fields mutated: %v", fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("subscriber not invoked")
	}
}

func TestEmitMetricDefaultType(t *testing.T) {
	resetObservers()

	events := make(chan Metric, 1)
	t.Cleanup(Subscribe(func(m Metric) { events <- m }))

	EmitMetric(nil, "controller", "bootstrap_attempt", 1, "", nil)

	select {
	case event := <-events:
		if event.Type != "counter" {
			t.Fatalf("expected default metric type to be counter, got %s", event.Type)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("subscriber not invoked for default type")
	}
}

func TestEmitMetricWithoutName(t *testing.T) {
	resetObservers()

	events := make(chan Metric, 1)
	t.Cleanup(Subscribe(func(m Metric) { events <- m }))

	EmitMetric(nil, "controller", "", 1, "counter", nil)

	select {
	case <-events:
		t.Fatal("unnamed metrics must not be delivered")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishMetricDatumThrottlesPerKey(t *testing.T) {
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "Test"})
	t.Cleanup(func() { cwState.Store(prevState) })

	resetMetricPublishTimes()
	t.Cleanup(resetMetricPublishTimes)

	baseTime := time.Now()
	timeNow = func() time.Time { return baseTime }
	t.Cleanup(func() { timeNow = time.Now })

	var batches [][]cwtypes.MetricDatum
	publishMetricsFunc = func(_ context.Context, _ *cloudWatchState, data []cwtypes.MetricDatum) {
		batches = append(batches, data)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	m := Metric{Component: "controller", Market: "Bitmex", Name: "severity", Timestamp: baseTime, Fields: logger.Fields{"market": "Bitmex"}}
	publishMetricDatum(m, 1001)

	timeNow = func() time.Time { return baseTime.Add(time.Second) }
	publishMetricDatum(m, 0)

	other := m
	other.Market = "Bybit"
	other.Fields = logger.Fields{"market": "Bybit"}
	publishMetricDatum(other, 0)

	if len(batches) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(batches))
	}
	datum := batches[0][0]
	if datum.Value == nil || *datum.Value != 1001 {
		t.Fatalf("unexpected value: %v", datum.Value)
	}
	if len(datum.Dimensions) != 2 {
		t.Fatalf("expected component and market dimensions, got %d", len(datum.Dimensions))
	}
}

func TestRenderDashboard(t *testing.T) {
	body, err := renderDashboard("MarketLinkTest", "eu-west-1")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(body, "${") {
		t.Fatalf("placeholders left in dashboard: %s", body)
	}
	if !strings.Contains(body, `"MarketLinkTest"`) || !strings.Contains(body, `"eu-west-1"`) {
		t.Fatalf("substitution missing")
	}
}

func TestMetricUnitFromString(t *testing.T) {
	if u, ok := metricUnitFromString("ms"); !ok || u != cwtypes.StandardUnitMilliseconds {
		t.Fatalf("ms not mapped: %v", u)
	}
	if _, ok := metricUnitFromString("bytes/furlong"); ok {
		t.Fatalf("unknown unit should not be found")
	}
}

func TestPrometheusHandlerExposesSeverity(t *testing.T) {
	Init()
	ReportSeverity("Deribit", 2)
	ReportFault("Deribit", "PlaceLimit", 2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `marketlink_market_severity{market="Deribit"} 2`) {
		t.Fatalf("severity gauge missing:\n%s", body)
	}
	if !strings.Contains(body, `marketlink_faults_total{code="2",market="Deribit",operation="PlaceLimit"} 1`) {
		t.Fatalf("fault counter missing:\n%s", body)
	}
}
