package notify

import (
	"context"
	"sync"
	"time"

	"marketlink/logger"
)

// Notification is a user-facing message about a market.
type Notification struct {
	Market  string    `json:"market"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
	Warning *bool     `json:"warning"`
}

var (
	warn = true
	info = false
)

// Warning builds a notification flagged as a warning.
func Warning(market, message string) Notification {
	return Notification{Market: market, Message: message, Time: time.Now().UTC(), Warning: &warn}
}

// Info builds a notification flagged as informational.
func Info(market, message string) Notification {
	return Notification{Market: market, Message: message, Time: time.Now().UTC(), Warning: &info}
}

// Plain builds a notification without a warning flag.
func Plain(market, message string) Notification {
	return Notification{Market: market, Message: message, Time: time.Now().UTC()}
}

func (n Notification) IsWarning() bool {
	return n.Warning != nil && *n.Warning
}

// Sink receives notifications. Publish must not block.
type Sink interface {
	Publish(Notification)
}

type Stats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}

// Queue is a buffered Sink that drops when full and keeps the most recent
// notifications for inspection.
type Queue struct {
	ch chan Notification

	stats      Stats
	statsMutex sync.RWMutex

	recentMu sync.Mutex
	recent   []Notification
	keep     int

	log *logger.Log
}

func NewQueue(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 1
	}
	log := logger.GetLogger()
	q := &Queue{
		ch:   make(chan Notification, buffer),
		keep: buffer,
		log:  log,
	}
	log.WithComponent("notify").WithFields(logger.Fields{
		"buffer_size": buffer,
	}).Debug("notification queue initialized")
	return q
}

func (q *Queue) Publish(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	n.Time = n.Time.UTC()
	q.remember(n)

	select {
	case q.ch <- n:
		q.statsMutex.Lock()
		q.stats.Sent++
		q.statsMutex.Unlock()
	default:
		q.statsMutex.Lock()
		q.stats.Dropped++
		q.statsMutex.Unlock()
		q.log.WithComponent("notify").WithMarket(n.Market).Debug("notification queue full; dropping message")
	}
}

func (q *Queue) remember(n Notification) {
	q.recentMu.Lock()
	defer q.recentMu.Unlock()
	q.recent = append(q.recent, n)
	if len(q.recent) > q.keep {
		q.recent = q.recent[len(q.recent)-q.keep:]
	}
}

// Recent returns up to limit of the latest notifications, oldest first.
func (q *Queue) Recent(limit int) []Notification {
	q.recentMu.Lock()
	defer q.recentMu.Unlock()
	start := 0
	if limit > 0 && len(q.recent) > limit {
		start = len(q.recent) - limit
	}
	return append([]Notification(nil), q.recent[start:]...)
}

func (q *Queue) Messages() <-chan Notification {
	return q.ch
}

func (q *Queue) GetStats() Stats {
	q.statsMutex.RLock()
	defer q.statsMutex.RUnlock()
	return q.stats
}

// Drain hands every queued notification to handle until ctx ends.
func (q *Queue) Drain(ctx context.Context, handle func(Notification)) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-q.ch:
			handle(n)
		}
	}
}

// LogHandler writes notifications to the structured log.
func LogHandler(log *logger.Log) func(Notification) {
	return func(n Notification) {
		entry := log.WithComponent("notify").WithMarket(n.Market)
		if n.IsWarning() {
			entry.Warn(n.Message)
			return
		}
		entry.Info(n.Message)
	}
}
