package rate

import (
	"net/http"
	"testing"
	"time"

	"marketlink/internal/metrics"
	"marketlink/logger"
)

func TestDetectLimit(t *testing.T) {
	cases := []struct {
		exchange string
		msg      string
		rate     bool
		ban      bool
	}{
		{"Bitmex", "Rate limit exceeded, retry in 1 seconds.", true, false},
		{"Bitmex", "Your IP has been banned", false, true},
		{"Bybit", "Too many visits!", true, false},
		{"Bybit", "IP rate limit reached", false, true},
		{"Deribit", "too_many_requests", true, false},
		{"unknown", "hello world", false, false},
	}
	for _, c := range cases {
		rl, ban := DetectLimit(c.exchange, c.msg)
		if rl != c.rate {
			t.Errorf("%s %q: expected rateLimit %v got %v", c.exchange, c.msg, c.rate, rl)
		}
		if ban != c.ban {
			t.Errorf("%s %q: expected ipBan %v got %v", c.exchange, c.msg, c.ban, ban)
		}
	}
}

func TestReportUsedWeight(t *testing.T) {
	events := make(chan metrics.Metric, 1)
	t.Cleanup(metrics.Subscribe(func(m metrics.Metric) {
		if m.Name == "used_weight" {
			events <- m
		}
	}))

	header := http.Header{}
	header.Set("X-Ratelimit-Limit", "120")
	header.Set("X-Ratelimit-Remaining", "100")
	ReportUsedWeight(logger.GetLogger(), "Bitmex", header)

	select {
	case m := <-events:
		if m.Value != int64(20) || m.Market != "Bitmex" {
			t.Fatalf("unexpected metric %+v", m)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("used_weight not emitted")
	}
}

func TestReportLimitFromMessage(t *testing.T) {
	if ReportLimitFromMessage(logger.GetLogger(), "Bybit", "GetUser", "invalid signature") {
		t.Fatalf("signature error reported as rate limit")
	}
	if !ReportLimitFromMessage(logger.GetLogger(), "Bybit", "GetUser", "Too many visits!") {
		t.Fatalf("rate limit wording not detected")
	}
}

func TestRetryAfter(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "3")
	if got := RetryAfter(header, ""); got != 3*time.Second {
		t.Fatalf("header retry = %v", got)
	}
	if got := RetryAfter(http.Header{}, "Rate limit exceeded, retry in 5 seconds."); got != 5*time.Second {
		t.Fatalf("message retry = %v", got)
	}
	if got := RetryAfter(http.Header{}, "no digits"); got != 0 {
		t.Fatalf("expected zero, got %v", got)
	}
}
