package exchange

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	appconfig "marketlink/config"
	"marketlink/internal/severity"
)

func TestFindValueByKey(t *testing.T) {
	data := map[string]any{
		"retCode": 0.0,
		"result": map[string]any{
			"list": []any{
				map[string]any{"readOnly": 0.0},
				map[string]any{"userID": 123456.0},
			},
		},
	}
	v, ok := FindValueByKey(data, "userID")
	assert.True(t, ok)
	assert.Equal(t, "123456", String(v))

	_, ok = FindValueByKey(data, "uid")
	assert.False(t, ok)
}

func TestNewClientOrderID(t *testing.T) {
	a := NewClientOrderID("ml")
	b := NewClientOrderID("ml")
	assert.True(t, strings.HasPrefix(a, "ml"))
	assert.Len(t, a, 34)
	assert.NotEqual(t, a, b)
}

func TestFloatAndTime(t *testing.T) {
	assert.Equal(t, 0.001, Float("0.001"))
	assert.Equal(t, 12.5, Float(12.5))
	assert.Zero(t, Float("n/a"))
	assert.Zero(t, Float(nil))

	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), FromMillis("1767225600000"))
	assert.True(t, FromMillis(0).IsZero())
	assert.Equal(t, time.Date(2026, 3, 27, 12, 0, 0, 0, time.UTC), ParseTime("2026-03-27T12:00:00.000Z"))
	assert.True(t, ParseTime("not a time").IsZero())
}

func TestHeartbeatRunsUntilStopped(t *testing.T) {
	var runs atomic.Int32
	var h Heartbeat
	h.Start(context.Background(), 10*time.Millisecond, func(context.Context) { runs.Add(1) })
	assert.True(t, h.Running())
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)

	h.Stop()
	assert.False(t, h.Running())
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestStopFeedStopsFunding(t *testing.T) {
	s := NewSession(testMarket(), appconfig.ExchangeConfig{FundingInterval: time.Hour}, nil, nil)
	var runs atomic.Int32
	code := s.StartFunding(context.Background(), func(context.Context) severity.Code {
		runs.Add(1)
		return severity.Healthy
	})
	assert.Equal(t, severity.Healthy, code)
	assert.Equal(t, int32(1), runs.Load())
	assert.True(t, s.FundingRunning())

	s.StopFeed()
	assert.False(t, s.FundingRunning())
}

func TestStartFundingFatalDoesNotArm(t *testing.T) {
	s := NewSession(testMarket(), appconfig.ExchangeConfig{}, nil, nil)
	code := s.StartFunding(context.Background(), func(context.Context) severity.Code {
		return severity.InvalidCredentials
	})
	assert.Equal(t, severity.InvalidCredentials, code)
	assert.False(t, s.FundingRunning())
}
