package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	appconfig "marketlink/config"
	"marketlink/logger"
)

// Metric is one emitted measurement. Market is empty for process-wide metrics.
type Metric struct {
	Timestamp time.Time
	Component string
	Market    string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

var cloudWatchEnabled atomic.Bool

// Configure switches publishing backends on or off.
func Configure(cfg appconfig.MetricsConfig) {
	cloudWatchEnabled.Store(cfg.CloudWatch.Enabled)
}

type observerSet struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]func(Metric)
}

var observers = &observerSet{fns: make(map[uint64]func(Metric))}

// Subscribe hands every later metric to fn on the emitting goroutine until
// the returned func is called. The status API keeps its history this way.
func Subscribe(fn func(Metric)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	observers.mu.Lock()
	observers.next++
	id := observers.next
	observers.fns[id] = fn
	observers.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			observers.mu.Lock()
			delete(observers.fns, id)
			observers.mu.Unlock()
		})
	}
}

func (s *observerSet) dispatch(m Metric) {
	s.mu.RLock()
	fns := make([]func(Metric), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(m)
	}
}

func (s *observerSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fns)
}

// recordMetric logs the measurement at debug, tagged with its market when
// fields carry one, and fans it out to subscribers. Unnamed metrics are
// dropped.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	own := make(logger.Fields, len(fields))
	for k, v := range fields {
		own[k] = v
	}
	market, _ := own["market"].(string)

	entry := log.WithComponent(component)
	if market != "" {
		entry = entry.WithMarket(market)
	}
	logFields := logger.Fields{
		"metric":      name,
		"metric_type": metricType,
		"value":       value,
	}
	for k, v := range own {
		if k != "market" {
			logFields[k] = v
		}
	}
	entry.WithFields(logFields).Debug("metric")

	m := Metric{
		Timestamp: time.Now().UTC(),
		Component: component,
		Market:    market,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    own,
	}
	observers.dispatch(m)
	return m, true
}
