package classifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketlink/internal/notify"
	"marketlink/internal/severity"
)

type fakeTarget struct {
	mu   sync.Mutex
	code severity.Code
}

func (f *fakeTarget) Name() string { return "Bybit" }

func (f *fakeTarget) Severity() severity.Code {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

func (f *fakeTarget) Raise(code severity.Code) severity.Code {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code = severity.Max(f.code, code)
	return f.code
}

func (f *fakeTarget) ClearSentinel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.code == severity.NotConnected {
		f.code = severity.Healthy
	}
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []notify.Notification
}

func (r *recordingSink) Publish(n notify.Notification) {
	r.mu.Lock()
	r.msgs = append(r.msgs, n)
	r.mu.Unlock()
}

type codeErr struct{ code int }

func (e codeErr) Error() string { return fmt.Sprintf("code %d", e.code) }

func table(err error) (Rule, bool) {
	var ce codeErr
	if !errors.As(err, &ce) {
		return Rule{}, false
	}
	switch ce.code {
	case 110007:
		return Rule{Code: severity.InsufficientBalance}, true
	case 10003:
		return Rule{Code: severity.InvalidCredentials}, true
	case 110001:
		return Rule{Ignore: true}, true
	}
	return Rule{}, false
}

func newTestClassifier() (*Classifier, *recordingSink) {
	sink := &recordingSink{}
	return New("Bybit", table, sink), sink
}

func TestCallSuccessClearsSentinel(t *testing.T) {
	c, sink := newTestClassifier()
	target := &fakeTarget{code: severity.NotConnected}

	v, code := Call(c, target, "GetUser", func() (string, error) { return "42", nil })
	assert.Equal(t, "42", v)
	assert.Equal(t, severity.Healthy, code)
	assert.Equal(t, severity.Healthy, target.Severity())
	assert.Empty(t, sink.msgs)
}

func TestSuccessDoesNotLowerFatal(t *testing.T) {
	c, _ := newTestClassifier()
	target := &fakeTarget{code: severity.InvalidCredentials}

	code := Exec(c, target, "GetWalletBalance", func() error { return nil })
	assert.Equal(t, severity.Healthy, code)
	assert.Equal(t, severity.InvalidCredentials, target.Severity())
}

func TestTableMappingRaisesAndNotifiesOnce(t *testing.T) {
	c, sink := newTestClassifier()
	target := &fakeTarget{}

	_, code := Call(c, target, "PlaceLimit", func() (int, error) { return 0, codeErr{110007} })
	assert.Equal(t, severity.InsufficientBalance, code)
	assert.Equal(t, severity.InsufficientBalance, target.Severity())

	require.Len(t, sink.msgs, 1)
	n := sink.msgs[0]
	assert.Equal(t, "Bybit", n.Market)
	assert.True(t, n.IsWarning())
	assert.Equal(t, "PlaceLimit - code 110007", n.Message)
}

func TestRaiseKeepsWorseCode(t *testing.T) {
	c, _ := newTestClassifier()
	target := &fakeTarget{}

	Exec(c, target, "GetUser", func() error { return codeErr{10003} })
	Exec(c, target, "PlaceLimit", func() error { return codeErr{110007} })
	assert.Equal(t, severity.InvalidCredentials, target.Severity())
}

func TestIgnorableLeavesSeverity(t *testing.T) {
	c, sink := newTestClassifier()
	target := &fakeTarget{code: severity.Healthy}

	code := Exec(c, target, "RemoveOrder", func() error { return codeErr{110001} })
	assert.Equal(t, severity.Healthy, code)
	assert.Equal(t, severity.Healthy, target.Severity())
	assert.Len(t, sink.msgs, 1)
}

func TestTransportFallback(t *testing.T) {
	c, _ := newTestClassifier()

	cases := []struct {
		name string
		err  error
		want severity.Code
	}{
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), severity.Timeout},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, severity.Transport},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.bybit.com"}, severity.Transport},
		{"ws close", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, severity.FeedLost},
		{"rate limit", errors.New("Too many visits!"), severity.Transport},
		{"unknown", errors.New("something odd"), severity.Unmapped},
		{"unmapped table code", codeErr{99999}, severity.Unmapped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.err).Code)
		})
	}
}

func TestReportRaisesWithoutError(t *testing.T) {
	c, sink := newTestClassifier()
	target := &fakeTarget{code: severity.NotConnected}

	code := c.Report(target, "GetUser", severity.MissingUserID, "user id not found")
	assert.Equal(t, severity.MissingUserID, code)
	assert.Equal(t, severity.MissingUserID, target.Severity())
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "GetUser - user id not found", sink.msgs[0].Message)
}

func TestNilSinkIsAllowed(t *testing.T) {
	c := New("Deribit", nil, nil)
	target := &fakeTarget{}
	code := Exec(c, target, "Ticker", func() error { return errors.New("boom\nline two") })
	assert.Equal(t, severity.Unmapped, code)
}
