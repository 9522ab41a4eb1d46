// Package controller drives the connection lifecycle of every market:
// bootstrap, periodic health checks, reconnects and freezes.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	appconfig "marketlink/config"
	"marketlink/internal/exchange"
	"marketlink/internal/metrics"
	"marketlink/internal/notify"
	"marketlink/internal/severity"
	"marketlink/logger"
)

// ErrUnknownMarket is returned for names the controller does not manage.
var ErrUnknownMarket = errors.New("market not managed by the controller")

const (
	msgRestarting   = "RESTARTING..."
	msgConnected    = "Connected to websocket."
	msgInsufficient = "Insufficient available balance!"
)

// Resolver hands out the adapter of a market. The registry implements it.
type Resolver interface {
	Resolve(name string) (exchange.Adapter, error)
}

type Options struct {
	PollInterval         time.Duration
	RetryDelay           time.Duration
	MaxReconnectAttempts int
	// Exit ends the process when a configured symbol is not listed.
	Exit func(code int)
	// OnLive runs after every successful bootstrap, before the market is
	// announced as connected.
	OnLive func(ctx context.Context, a exchange.Adapter)
	Sink   notify.Sink
}

// OptionsFrom reads the controller section.
func OptionsFrom(cfg appconfig.ControllerConfig, sink notify.Sink) Options {
	return Options{
		PollInterval:         cfg.PollInterval,
		RetryDelay:           cfg.RetryDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Sink:                 sink,
	}
}

// Status is a point-in-time view of one market.
type Status struct {
	Market        string         `json:"market"`
	State         severity.State `json:"state"`
	Severity      int32          `json:"severity"`
	SeverityName  string         `json:"severity_name"`
	Trading       bool           `json:"trading"`
	TimedOut      bool           `json:"timed_out"`
	Failures      int            `json:"reconnect_failures"`
	LastBootstrap time.Time      `json:"last_bootstrap"`
}

type marketState struct {
	name    string
	adapter exchange.Adapter
	reload  chan struct{}

	mu             sync.Mutex
	state          severity.State
	failures       int
	frozenNotified bool
	stopNotified   bool
	tradingWanted  bool
	lastBootstrap  time.Time
}

type Controller struct {
	resolver Resolver
	names    []string
	opts     Options
	log      *logger.Log

	mu      sync.RWMutex
	markets map[string]*marketState
}

func New(resolver Resolver, markets []string, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	names := append([]string(nil), markets...)
	sort.Strings(names)
	return &Controller{
		resolver: resolver,
		names:    names,
		opts:     opts,
		log:      logger.GetLogger(),
		markets:  make(map[string]*marketState, len(names)),
	}
}

// Run resolves every market and runs one worker per market until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	states := make([]*marketState, 0, len(c.names))
	for _, name := range c.names {
		m, err := c.market(name)
		if err != nil {
			return err
		}
		states = append(states, m)
	}

	c.log.WithComponent("controller").WithFields(logger.Fields{
		"markets":       c.names,
		"poll_interval": c.opts.PollInterval.String(),
	}).Info("controller started")

	var wg sync.WaitGroup
	for _, m := range states {
		wg.Add(1)
		go func(m *marketState) {
			defer wg.Done()
			c.worker(ctx, m)
		}(m)
	}
	wg.Wait()

	c.log.WithComponent("controller").Info("controller stopped")
	return nil
}

// market returns the state of name, resolving its adapter on first use.
func (c *Controller) market(name string) (*marketState, error) {
	name, ok := c.canonical(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownMarket)
	}
	c.mu.RLock()
	m, ok := c.markets[name]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}
	adapter, err := c.resolver.Resolve(name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.markets[name]; ok {
		return m, nil
	}
	m = &marketState{
		name:          name,
		adapter:       adapter,
		reload:        make(chan struct{}, 1),
		state:         severity.StateUninitialized,
		tradingWanted: true,
	}
	c.markets[name] = m
	return m, nil
}

// canonical maps name to the configured spelling.
func (c *Controller) canonical(name string) (string, bool) {
	for _, n := range c.names {
		if strings.EqualFold(n, name) {
			return n, true
		}
	}
	return name, false
}

func (c *Controller) worker(ctx context.Context, m *marketState) {
	c.Tick(ctx, m.name)

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reload:
			c.restart(ctx, m)
		case <-ticker.C:
			c.Tick(ctx, m.name)
		}
	}
}

func (c *Controller) entry(m *marketState) *logger.Entry {
	return c.log.WithComponent("controller").WithMarket(m.name)
}

func (c *Controller) publish(n notify.Notification) {
	if c.opts.Sink != nil {
		c.opts.Sink.Publish(n)
	}
}

func (c *Controller) setState(m *marketState, next severity.State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()
	if prev == next {
		return
	}
	c.entry(m).WithFields(logger.Fields{"from": prev, "to": next}).Info("market state changed")
	metrics.ReportTransition(m.name, string(prev), string(next))
}

func (c *Controller) stateOf(m *marketState) severity.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetTrading switches order entry for name. Switching it on clears a minor
// severity so the market returns to LIVE on the next tick.
func (c *Controller) SetTrading(name string, on bool) error {
	m, err := c.market(name)
	if err != nil {
		return err
	}
	market := m.adapter.Market()

	m.mu.Lock()
	m.tradingWanted = on
	if on {
		m.stopNotified = false
	}
	state := m.state
	m.mu.Unlock()

	if on {
		if code := market.Severity(); code.IsMinor() {
			market.SetSeverity(severity.Healthy)
		}
	}
	if state == severity.StateLive || state == severity.StateDegraded || !on {
		market.SetTrading(on)
	}
	c.entry(m).WithFields(logger.Fields{"trading": on}).Info("trading switched")
	return nil
}

// Reload asks the worker of name to drop its session and bootstrap again.
// It is the only way out of FROZEN.
func (c *Controller) Reload(name string) error {
	m, err := c.market(name)
	if err != nil {
		return err
	}
	select {
	case m.reload <- struct{}{}:
	default:
	}
	c.entry(m).Info("reload requested")
	return nil
}

func (c *Controller) restart(ctx context.Context, m *marketState) {
	m.mu.Lock()
	m.failures = 0
	m.frozenNotified = false
	m.stopNotified = false
	m.mu.Unlock()

	c.publish(notify.Info(m.name, msgRestarting))
	m.adapter.StopFeed()
	c.connect(ctx, m)
}

// State returns the status of name.
func (c *Controller) State(name string) (Status, error) {
	m, err := c.market(name)
	if err != nil {
		return Status{}, err
	}
	market := m.adapter.Market()
	code := market.Severity()

	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Market:        m.name,
		State:         m.state,
		Severity:      int32(code),
		SeverityName:  code.String(),
		Trading:       market.TradingEnabled(),
		TimedOut:      market.TimedOut(),
		Failures:      m.failures,
		LastBootstrap: m.lastBootstrap,
	}, nil
}

// Markets returns the managed market names in order.
func (c *Controller) Markets() []string {
	return append([]string(nil), c.names...)
}

// Statuses returns the status of every market whose adapter could be built.
func (c *Controller) Statuses() []Status {
	out := make([]Status, 0, len(c.names))
	for _, name := range c.names {
		st, err := c.State(name)
		if err != nil {
			c.log.WithComponent("controller").WithMarket(name).WithError(err).Debug("market status unavailable")
			continue
		}
		out = append(out, st)
	}
	return out
}

// Adapter returns the adapter of name.
func (c *Controller) Adapter(name string) (exchange.Adapter, error) {
	m, err := c.market(name)
	if err != nil {
		return nil, err
	}
	return m.adapter, nil
}
