package status

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"marketlink/internal/metrics"
)

// history keeps the newest limit items, oldest first.
type history[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newHistory[T any](limit int) *history[T] {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &history[T]{limit: limit}
}

func (h *history[T]) add(item T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, item)
	if len(h.items) > h.limit {
		h.items = append([]T(nil), h.items[len(h.items)-h.limit:]...)
	}
}

// snapshot copies the items whose market matches; an empty market keeps all.
func (h *history[T]) snapshot(market string, marketOf func(T) string) []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]T, 0, len(h.items))
	for _, item := range h.items {
		if market == "" || strings.EqualFold(marketOf(item), market) {
			out = append(out, item)
		}
	}
	return out
}

// metricStore is the recent metric feed behind /api/metrics.
type metricStore struct {
	*history[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{history: newHistory[metrics.Metric](limit)}
}

func (s *metricStore) recent(market string) []metrics.Metric {
	return s.snapshot(market, func(m metrics.Metric) string { return m.Market })
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Market    string                 `json:"market,omitempty"`
	Severity  string                 `json:"severity,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook behind /api/logs. It stops recording once the
// server shuts down.
type logStore struct {
	*history[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{history: newHistory[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}
	s.add(toLogRecord(entry))
	return nil
}

func (s *logStore) recent(market string) []logRecord {
	return s.snapshot(market, func(r logRecord) string { return r.Market })
}

func (s *logStore) close() {
	s.enabled.Store(false)
}

// toLogRecord lifts the component, market and severity tags out of the
// entry data; everything else stays in Fields as JSON-safe values.
func toLogRecord(entry *logrus.Entry) logRecord {
	r := logRecord{
		Timestamp: entry.Time.UTC(),
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		switch k {
		case "component":
			r.Component, _ = v.(string)
			continue
		case "market":
			r.Market, _ = v.(string)
			continue
		case "severity":
			if s, ok := v.(string); ok {
				r.Severity = s
				continue
			}
		}
		if r.Fields == nil {
			r.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			r.Fields[k] = val.Error()
		case fmt.Stringer:
			r.Fields[k] = val.String()
		default:
			r.Fields[k] = val
		}
	}
	return r
}
