// Package classifier turns exchange call failures into severity codes,
// raises them on the owning market and tells the operator once per fault.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"

	"marketlink/internal/metrics"
	"marketlink/internal/metrics/rate"
	"marketlink/internal/notify"
	"marketlink/internal/severity"
	"marketlink/logger"
)

// Target is the market connection whose severity a call affects.
type Target interface {
	Name() string
	Severity() severity.Code
	// Raise stores max(current, code) and returns the stored value.
	Raise(code severity.Code) severity.Code
	// ClearSentinel moves NotConnected to Healthy and leaves any other code.
	ClearSentinel()
}

// Rule is the outcome of classifying one fault.
type Rule struct {
	Code   severity.Code
	Ignore bool
}

// Table resolves exchange-specific errors. ok=false defers to the
// transport fallback.
type Table func(err error) (rule Rule, ok bool)

type Classifier struct {
	exchange string
	table    Table
	sink     notify.Sink
	log      *logger.Log
}

func New(exchange string, table Table, sink notify.Sink) *Classifier {
	return &Classifier{
		exchange: exchange,
		table:    table,
		sink:     sink,
		log:      logger.GetLogger(),
	}
}

// Classify maps err to a rule: exchange table first, then transport
// errors, then Unmapped.
func (c *Classifier) Classify(err error) Rule {
	if c.table != nil {
		if rule, ok := c.table(err); ok {
			return rule
		}
	}
	if code, ok := transportCode(c.exchange, err); ok {
		return Rule{Code: code}
	}
	return Rule{Code: severity.Unmapped}
}

func transportCode(exchange string, err error) (severity.Code, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return severity.Timeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return severity.Timeout, true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return severity.FeedLost, true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return severity.FeedLost, true
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr), errors.As(err, &opErr):
		return severity.Transport, true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return severity.Transport, true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return severity.Transport, true
	}
	if limited, banned := rate.DetectLimit(exchange, err.Error()); limited || banned {
		return severity.Transport, true
	}
	return 0, false
}

// Call runs fn on behalf of target. Success clears the NotConnected sentinel
// and reports Healthy; failure is classified by Fault.
func Call[T any](c *Classifier, t Target, op string, fn func() (T, error)) (T, severity.Code) {
	v, err := fn()
	if err != nil {
		var zero T
		return zero, c.Fault(t, op, err)
	}
	t.ClearSentinel()
	return v, severity.Healthy
}

// Exec is Call for operations without a result.
func Exec(c *Classifier, t Target, op string, fn func() error) severity.Code {
	_, code := Call(c, t, op, func() (struct{}, error) { return struct{}{}, fn() })
	return code
}

// Fault classifies err, raises the target severity and notifies. It returns
// the classified code, or Healthy for ignorable faults.
func (c *Classifier) Fault(t Target, op string, err error) severity.Code {
	rule := c.Classify(err)
	rate.ReportLimitFromMessage(c.log, c.exchange, op, err.Error())
	return c.apply(t, op, rule, fmt.Sprintf("%s - %s", op, err.Error()))
}

// Report records a fault that did not come from an error value.
func (c *Classifier) Report(t Target, op string, code severity.Code, msg string) severity.Code {
	return c.apply(t, op, Rule{Code: code}, fmt.Sprintf("%s - %s", op, msg))
}

func (c *Classifier) apply(t Target, op string, rule Rule, message string) severity.Code {
	message = strings.ReplaceAll(message, "\n", " ")
	entry := c.log.WithComponent("classifier").WithMarket(t.Name()).WithFields(logger.Fields{
		"operation": op,
		"code":      int32(rule.Code),
		"ignored":   rule.Ignore,
	})

	if rule.Ignore {
		entry.Warn(message)
		c.publish(t.Name(), message)
		return severity.Healthy
	}

	current := t.Raise(rule.Code)
	entry.WithFields(logger.Fields{"severity": int32(current)}).Error(message)
	metrics.ReportFault(t.Name(), op, int32(rule.Code))
	c.publish(t.Name(), message)
	return rule.Code
}

func (c *Classifier) publish(market, message string) {
	if c.sink == nil {
		return
	}
	c.sink.Publish(notify.Warning(market, message))
}
