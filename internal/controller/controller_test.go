package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketlink/internal/exchange"
	"marketlink/internal/exchange/fake"
	"marketlink/internal/notify"
	"marketlink/internal/registry"
	"marketlink/internal/severity"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []notify.Notification
}

func (s *recordingSink) Publish(n notify.Notification) {
	s.mu.Lock()
	s.msgs = append(s.msgs, n)
	s.mu.Unlock()
}

func (s *recordingSink) count(message string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.Message == message {
			n++
		}
	}
	return n
}

func newController(t *testing.T, opts Options) (*Controller, *fake.Adapter, *recordingSink) {
	t.Helper()
	a := fake.New(fake.NewMarket(fake.Name), nil)
	reg := registry.New()
	reg.Register(fake.Name, func() (exchange.Adapter, error) { return a, nil })
	sink := &recordingSink{}
	opts.Sink = sink
	if opts.Exit == nil {
		opts.Exit = func(code int) { t.Errorf("unexpected exit %d", code) }
	}
	return New(reg, []string{fake.Name}, opts), a, sink
}

func stateOf(t *testing.T, c *Controller) Status {
	t.Helper()
	st, err := c.State(fake.Name)
	require.NoError(t, err)
	return st
}

func TestBootstrapGoesLive(t *testing.T) {
	var live []string
	c, a, sink := newController(t, Options{
		OnLive: func(ctx context.Context, a exchange.Adapter) { live = append(live, a.Name()) },
	})

	res, state, err := c.Bootstrap(context.Background(), fake.Name)
	require.NoError(t, err)
	assert.Equal(t, severity.StateLive, state)
	assert.Empty(t, res.Failed())

	market := a.Market()
	assert.Equal(t, severity.Healthy, market.Severity())
	assert.True(t, market.TradingEnabled())
	assert.Len(t, market.InstrumentList(), 2)
	assert.Len(t, market.AccountList(), 2)
	assert.Len(t, market.PositionList(), 2)
	assert.Equal(t, "1", market.User().ID)
	assert.True(t, a.FeedAlive())
	assert.Equal(t, []string{fake.Name}, live)
	assert.Equal(t, 1, sink.count(msgConnected))

	st := stateOf(t, c)
	assert.Equal(t, severity.StateLive, st.State)
	assert.False(t, st.LastBootstrap.IsZero())
}

func TestBootstrapReconnectClassFailure(t *testing.T) {
	c, a, sink := newController(t, Options{})
	a.Fail(fake.OpGetUser, 1500)

	res, state, err := c.Bootstrap(context.Background(), fake.Name)
	require.NoError(t, err)
	assert.Equal(t, severity.StateReconnecting, state)
	assert.Equal(t, map[string]severity.Code{"user": 1500}, res.Failed())
	assert.Equal(t, severity.Code(1500), a.Market().Severity())
	assert.False(t, a.Market().TradingEnabled())
	assert.False(t, a.FeedAlive())
	assert.Zero(t, sink.count(msgConnected))
}

func TestBootstrapStopsAfterSequentialFailure(t *testing.T) {
	c, a, _ := newController(t, Options{})
	a.Fail(fake.OpActivateFunding, severity.Transport)

	res, state, err := c.Bootstrap(context.Background(), fake.Name)
	require.NoError(t, err)
	assert.Equal(t, severity.StateReconnecting, state)
	assert.Equal(t, severity.Transport, res.Funding)
	assert.Zero(t, a.Calls(fake.OpOpenOrders))
	assert.Zero(t, a.Calls(fake.OpStartFeed))
	assert.Zero(t, a.Calls(fake.OpGetUser))
}

func TestFatalFreezesAndStaysFrozen(t *testing.T) {
	c, a, sink := newController(t, Options{})
	a.Fail(fake.OpGetUser, severity.InvalidCredentials)

	require.NoError(t, c.Tick(context.Background(), fake.Name))
	assert.Equal(t, severity.StateFrozen, stateOf(t, c).State)

	a.Recover(fake.OpGetUser)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Tick(context.Background(), fake.Name))
	}
	st := stateOf(t, c)
	assert.Equal(t, severity.StateFrozen, st.State)
	assert.Equal(t, int32(severity.InvalidCredentials), st.Severity)
	assert.False(t, st.Trading)
	assert.Equal(t, 1, a.Calls(fake.OpDiscoverInstruments))
	assert.Equal(t, 1, sink.count("Fatal error=2001. Terminal is frozen"))
}

func TestUnknownSymbolExits(t *testing.T) {
	var codes []int
	c, a, _ := newController(t, Options{Exit: func(code int) { codes = append(codes, code) }})
	a.Unlist("XBTUSDT")

	res, state, err := c.Bootstrap(context.Background(), fake.Name)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, codes)
	assert.Equal(t, severity.UnknownSymbol, res.Instruments)
	assert.Equal(t, severity.StateFrozen, state)
	assert.Zero(t, a.Calls(fake.OpActivateFunding))
}

func TestMinorSeverityStopsTradingOnce(t *testing.T) {
	c, a, sink := newController(t, Options{})
	ctx := context.Background()
	require.NoError(t, c.Tick(ctx, fake.Name))
	require.Equal(t, severity.StateLive, stateOf(t, c).State)

	a.Market().Raise(severity.InsufficientBalance)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Tick(ctx, fake.Name))
	}

	st := stateOf(t, c)
	assert.Equal(t, severity.StateDegraded, st.State)
	assert.False(t, st.Trading)
	assert.Equal(t, 1, sink.count("Error=2. Trading stopped"))
	assert.Equal(t, 1, sink.count(msgInsufficient))
	assert.Equal(t, 3, a.Calls(fake.OpTicker))
	assert.Equal(t, 1, a.Calls(fake.OpDiscoverInstruments))
}

func TestSetTradingClearsMinorSeverity(t *testing.T) {
	c, a, sink := newController(t, Options{})
	ctx := context.Background()
	require.NoError(t, c.Tick(ctx, fake.Name))
	a.Market().Raise(severity.BadRequest)
	require.NoError(t, c.Tick(ctx, fake.Name))
	require.Equal(t, severity.StateDegraded, stateOf(t, c).State)

	require.NoError(t, c.SetTrading("fake", true))
	assert.Equal(t, severity.Healthy, a.Market().Severity())
	assert.True(t, a.Market().TradingEnabled())

	require.NoError(t, c.Tick(ctx, fake.Name))
	assert.Equal(t, severity.StateLive, stateOf(t, c).State)

	// the stop message is re-armed
	a.Market().Raise(severity.BadRequest)
	require.NoError(t, c.Tick(ctx, fake.Name))
	assert.Equal(t, 2, sink.count("Error=1. Trading stopped"))
}

func TestTradingSwitchSurvivesReconnect(t *testing.T) {
	c, a, _ := newController(t, Options{})
	ctx := context.Background()
	require.NoError(t, c.Tick(ctx, fake.Name))

	require.NoError(t, c.SetTrading(fake.Name, false))
	assert.False(t, a.Market().TradingEnabled())

	a.Market().Raise(severity.Transport)
	require.NoError(t, c.Tick(ctx, fake.Name))
	assert.Equal(t, severity.StateLive, stateOf(t, c).State)
	assert.False(t, a.Market().TradingEnabled())
}

func TestReconnectOnTransportAndTimeout(t *testing.T) {
	c, a, sink := newController(t, Options{})
	ctx := context.Background()
	require.NoError(t, c.Tick(ctx, fake.Name))

	a.Market().Raise(severity.Transport)
	require.NoError(t, c.Tick(ctx, fake.Name))
	assert.Equal(t, severity.StateLive, stateOf(t, c).State)
	assert.Equal(t, severity.Healthy, a.Market().Severity())
	assert.Equal(t, 2, a.Calls(fake.OpDiscoverInstruments))

	a.Market().SetTimedOut(true)
	require.NoError(t, c.Tick(ctx, fake.Name))
	assert.False(t, a.Market().TimedOut())
	assert.Equal(t, 3, a.Calls(fake.OpDiscoverInstruments))
	assert.Equal(t, 2, sink.count(msgRestarting))
	assert.Equal(t, 3, sink.count(msgConnected))
}

func TestTimeoutOutranksMinorSeverity(t *testing.T) {
	c, a, sink := newController(t, Options{})
	ctx := context.Background()
	require.NoError(t, c.Tick(ctx, fake.Name))
	require.Equal(t, severity.StateLive, stateOf(t, c).State)

	a.Market().Raise(severity.BadRequest)
	a.Market().SetTimedOut(true)
	require.NoError(t, c.Tick(ctx, fake.Name))

	st := stateOf(t, c)
	assert.Equal(t, severity.StateLive, st.State)
	assert.Equal(t, int32(severity.Healthy), st.Severity)
	assert.False(t, st.TimedOut)
	assert.Equal(t, 2, a.Calls(fake.OpStartFeed))
	assert.Equal(t, 1, sink.count(msgRestarting))
	assert.Zero(t, sink.count("Error=1. Trading stopped"))
}

func TestReconnectingMinorWithTimeoutRestartsOncePerTick(t *testing.T) {
	c, a, sink := newController(t, Options{})
	ctx := context.Background()
	a.Fail(fake.OpGetWalletBalance, severity.InsufficientBalance)

	require.NoError(t, c.Tick(ctx, fake.Name))
	require.Equal(t, severity.StateReconnecting, stateOf(t, c).State)
	require.Equal(t, 1, a.Calls(fake.OpDiscoverInstruments))

	for i := 1; i <= 3; i++ {
		a.Market().SetTimedOut(true)
		require.NoError(t, c.Tick(ctx, fake.Name))
		assert.Equal(t, 1+i, a.Calls(fake.OpDiscoverInstruments))
		assert.Equal(t, i, sink.count(msgRestarting))
		assert.Equal(t, severity.StateReconnecting, stateOf(t, c).State)
	}
	assert.Zero(t, sink.count("Error=2. Trading stopped"))
	assert.Equal(t, 4, stateOf(t, c).Failures)
}

func TestFreezeStopsFunding(t *testing.T) {
	c, a, _ := newController(t, Options{})
	ctx := context.Background()
	require.NoError(t, c.Tick(ctx, fake.Name))
	require.True(t, a.FundingRunning())

	a.Market().Raise(severity.InvalidChannel)
	require.NoError(t, c.Tick(ctx, fake.Name))
	assert.Equal(t, severity.StateFrozen, stateOf(t, c).State)
	assert.False(t, a.FundingRunning())
	assert.False(t, a.FeedAlive())
}

func TestReconnectRetriesUntilRecovered(t *testing.T) {
	c, a, _ := newController(t, Options{})
	ctx := context.Background()
	a.Fail(fake.OpGetWalletBalance, severity.Timeout)

	require.NoError(t, c.Tick(ctx, fake.Name))
	assert.Equal(t, severity.StateReconnecting, stateOf(t, c).State)
	require.NoError(t, c.Tick(ctx, fake.Name))
	assert.Equal(t, 2, stateOf(t, c).Failures)

	a.Recover(fake.OpGetWalletBalance)
	require.NoError(t, c.Tick(ctx, fake.Name))
	st := stateOf(t, c)
	assert.Equal(t, severity.StateLive, st.State)
	assert.Zero(t, st.Failures)
}

func TestReconnectExhaustion(t *testing.T) {
	c, a, sink := newController(t, Options{MaxReconnectAttempts: 2})
	ctx := context.Background()
	a.Fail(fake.OpGetWalletBalance, severity.Transport)

	require.NoError(t, c.Tick(ctx, fake.Name))
	assert.Equal(t, severity.StateReconnecting, stateOf(t, c).State)

	require.NoError(t, c.Tick(ctx, fake.Name))
	st := stateOf(t, c)
	assert.Equal(t, severity.StateFrozen, st.State)
	assert.Equal(t, int32(severity.ReconnectExhausted), st.Severity)
	assert.Equal(t, 1, sink.count("Fatal error=2005. Terminal is frozen"))

	a.Recover(fake.OpGetWalletBalance)
	require.NoError(t, c.Tick(ctx, fake.Name))
	assert.Equal(t, severity.StateFrozen, stateOf(t, c).State)
	assert.Equal(t, 2, a.Calls(fake.OpDiscoverInstruments))
}

func TestRunReloadLeavesFrozen(t *testing.T) {
	c, a, sink := newController(t, Options{PollInterval: 5 * time.Millisecond})
	a.Fail(fake.OpGetUser, severity.MissingUserID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return stateOf(t, c).State == severity.StateFrozen
	}, time.Second, 5*time.Millisecond)

	a.Recover(fake.OpGetUser)
	require.NoError(t, c.Reload(fake.Name))
	require.Eventually(t, func() bool {
		return stateOf(t, c).State == severity.StateLive
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, sink.count(msgRestarting), 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestUnknownMarket(t *testing.T) {
	c, _, _ := newController(t, Options{})
	assert.ErrorIs(t, c.SetTrading("Kraken", true), ErrUnknownMarket)
	assert.ErrorIs(t, c.Reload("Kraken"), ErrUnknownMarket)
	_, err := c.State("Kraken")
	assert.ErrorIs(t, err, ErrUnknownMarket)
	assert.ErrorIs(t, c.Tick(context.Background(), "Kraken"), ErrUnknownMarket)
}

func TestStatuses(t *testing.T) {
	c, _, _ := newController(t, Options{})
	require.NoError(t, c.Tick(context.Background(), fake.Name))

	statuses := c.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, fake.Name, statuses[0].Market)
	assert.Equal(t, severity.StateLive, statuses[0].State)
	assert.Equal(t, "healthy", statuses[0].SeverityName)
	assert.Equal(t, []string{fake.Name}, c.Markets())
}
