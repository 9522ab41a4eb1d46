package controller

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"marketlink/internal/metrics"
	"marketlink/internal/notify"
	"marketlink/internal/severity"
	"marketlink/logger"
)

// SetupResult holds the code of every bootstrap step. Steps that did not
// run stay Healthy.
type SetupResult struct {
	Instruments severity.Code
	Funding     severity.Code
	Orders      severity.Code
	Feed        severity.Code
	User        severity.Code
	Wallet      severity.Code
	Positions   severity.Code
}

func (r SetupResult) steps() map[string]severity.Code {
	return map[string]severity.Code{
		"instruments": r.Instruments,
		"funding":     r.Funding,
		"orders":      r.Orders,
		"feed":        r.Feed,
		"user":        r.User,
		"wallet":      r.Wallet,
		"positions":   r.Positions,
	}
}

// Worst is the highest code across all steps.
func (r SetupResult) Worst() severity.Code {
	worst := severity.Healthy
	for _, code := range r.steps() {
		worst = severity.Max(worst, code)
	}
	return worst
}

// Failed lists the steps that did not come back Healthy.
func (r SetupResult) Failed() map[string]severity.Code {
	failed := map[string]severity.Code{}
	for step, code := range r.steps() {
		if code != severity.Healthy {
			failed[step] = code
		}
	}
	return failed
}

// Tick runs one health check of name and acts on its severity.
func (c *Controller) Tick(ctx context.Context, name string) error {
	m, err := c.market(name)
	if err != nil {
		return err
	}
	c.tick(ctx, m)
	return nil
}

func (c *Controller) tick(ctx context.Context, m *marketState) {
	market := m.adapter.Market()
	defer func() { metrics.ReportSeverity(m.name, int32(market.Severity())) }()

	code := market.Severity()
	state := c.stateOf(m)
	timedOut := market.TimedOut()
	switch {
	case state == severity.StateFrozen || code.IsFatal():
		c.freeze(m, code)
	case code.IsReconnect() || timedOut || state == severity.StateReconnecting:
		// a stale feed or a failed bootstrap outranks any minor code
		c.reconnect(ctx, m, code, timedOut)
	case code == severity.NotConnected:
		c.connect(ctx, m)
	case code.IsMinor():
		c.degrade(ctx, m, code)
	case code == severity.Healthy:
		c.setState(m, severity.StateLive)
		c.pullTicker(ctx, m)
	default:
		c.reconnect(ctx, m, code, timedOut)
	}
}

func (c *Controller) reconnect(ctx context.Context, m *marketState, code severity.Code, timedOut bool) {
	c.entry(m).WithSeverity(code).WithFields(logger.Fields{"timed_out": timedOut}).
		Warn("restarting market connection")
	c.publish(notify.Info(m.name, msgRestarting))
	m.adapter.StopFeed()
	c.connect(ctx, m)
}

func (c *Controller) degrade(ctx context.Context, m *marketState, code severity.Code) {
	m.adapter.Market().SetTrading(false)
	c.setState(m, severity.StateDegraded)

	m.mu.Lock()
	first := !m.stopNotified
	m.stopNotified = true
	m.mu.Unlock()
	if first {
		c.entry(m).WithSeverity(code).Warn("trading stopped")
		c.publish(notify.Warning(m.name, fmt.Sprintf("Error=%d. Trading stopped", int32(code))))
		if code == severity.InsufficientBalance {
			c.publish(notify.Warning(m.name, msgInsufficient))
		}
	}
	c.pullTicker(ctx, m)
}

func (c *Controller) freeze(m *marketState, code severity.Code) {
	m.adapter.Market().SetTrading(false)
	m.adapter.StopFeed()
	c.setState(m, severity.StateFrozen)

	m.mu.Lock()
	first := !m.frozenNotified
	m.frozenNotified = true
	m.mu.Unlock()
	if first {
		c.entry(m).WithSeverity(code).Error("market frozen")
		c.publish(notify.Warning(m.name, fmt.Sprintf("Fatal error=%d. Terminal is frozen", int32(code))))
	}
}

func (c *Controller) pullTicker(ctx context.Context, m *marketState) {
	if _, code := m.adapter.Ticker(ctx); code != severity.Healthy {
		c.entry(m).WithSeverity(code).Debug("ticker refresh failed")
	}
}

// connect runs one bootstrap attempt and counts consecutive failures.
func (c *Controller) connect(ctx context.Context, m *marketState) {
	_, state := c.bootstrap(ctx, m)
	switch state {
	case severity.StateLive:
		m.mu.Lock()
		m.failures = 0
		m.mu.Unlock()
		return
	case severity.StateFrozen:
		return
	}

	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.mu.Unlock()

	if limit := c.opts.MaxReconnectAttempts; limit > 0 && failures >= limit {
		market := m.adapter.Market()
		market.Raise(severity.ReconnectExhausted)
		c.entry(m).WithFields(logger.Fields{"attempts": failures}).Error("reconnect attempts exhausted")
		c.freeze(m, market.Severity())
		return
	}

	if c.opts.RetryDelay > 0 {
		timer := time.NewTimer(c.opts.RetryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

// Bootstrap runs a single bootstrap attempt of name and returns the per-step
// codes with the state the market settled in.
func (c *Controller) Bootstrap(ctx context.Context, name string) (SetupResult, severity.State, error) {
	m, err := c.market(name)
	if err != nil {
		return SetupResult{}, "", err
	}
	res, state := c.bootstrap(ctx, m)
	return res, state, nil
}

func (c *Controller) bootstrap(ctx context.Context, m *marketState) (SetupResult, severity.State) {
	start := time.Now()
	a := m.adapter
	market := a.Market()

	c.setState(m, severity.StateConnecting)
	market.SetTrading(false)
	market.SetSeverity(severity.NotConnected)
	a.StopFeed()
	market.Reset()

	var res SetupResult
	res.Instruments = a.DiscoverInstruments(ctx)
	if res.Instruments == severity.UnknownSymbol {
		c.entry(m).WithFields(logger.Fields{"missing": market.MissingSymbols()}).
			Error("configured symbol is not listed by the exchange, exiting")
		c.opts.Exit(1)
		return c.finish(ctx, m, res, start)
	}
	if res.Instruments == severity.Healthy {
		res.Funding = a.ActivateFunding(ctx)
	}
	if res.Worst() == severity.Healthy {
		_, res.Orders = a.OpenOrders(ctx)
	}
	if res.Worst() == severity.Healthy {
		var g errgroup.Group
		g.Go(func() error {
			res.Feed = a.StartFeed(ctx)
			return nil
		})
		g.Go(func() error {
			_, res.User = a.GetUser(ctx)
			return nil
		})
		g.Go(func() error {
			res.Wallet = a.GetWalletBalance(ctx)
			return nil
		})
		g.Go(func() error {
			res.Positions = a.GetPositionInfo(ctx)
			return nil
		})
		_ = g.Wait()
	}
	return c.finish(ctx, m, res, start)
}

func (c *Controller) finish(ctx context.Context, m *marketState, res SetupResult, start time.Time) (SetupResult, severity.State) {
	a := m.adapter
	market := a.Market()
	elapsed := time.Since(start)

	m.mu.Lock()
	m.lastBootstrap = start
	m.mu.Unlock()

	if market.Severity() == severity.NotConnected && res.Worst() == severity.Healthy {
		market.ClearSentinel()
	}
	worst := severity.Max(res.Worst(), market.Severity())

	if worst == severity.Healthy {
		m.mu.Lock()
		m.frozenNotified = false
		m.stopNotified = false
		trading := m.tradingWanted
		m.mu.Unlock()

		if c.opts.OnLive != nil {
			c.opts.OnLive(ctx, a)
		}
		market.SetTrading(trading)
		c.setState(m, severity.StateLive)
		metrics.ReportBootstrap(m.name, true, elapsed)
		logger.LogPerformanceEntry(c.entry(m), "controller", "bootstrap", elapsed, logger.Fields{
			"instruments": market.Instruments.Len(),
			"trading":     trading,
		})
		c.publish(notify.Info(m.name, msgConnected))
		return res, severity.StateLive
	}

	fields := logger.Fields{"severity": worst.String()}
	for step, code := range res.Failed() {
		fields[step] = code.String()
	}
	c.entry(m).WithFields(fields).Warn("bootstrap failed")
	metrics.ReportBootstrap(m.name, false, elapsed)
	a.StopFeed()

	if worst.IsFatal() {
		market.Raise(worst)
		c.freeze(m, worst)
		return res, severity.StateFrozen
	}
	c.setState(m, severity.StateReconnecting)
	return res, severity.StateReconnecting
}
