// Package severity defines the ordered fault scale shared by the classifier,
// the exchange adapters and the connection controller.
package severity

import "fmt"

// Code is the signed health value carried by every market connection.
// Larger values are worse within the positive range.
type Code int32

const (
	NotConnected Code = -1
	Healthy      Code = 0

	// Minor: trading is disabled, the feed stays up.
	BadRequest          Code = 1
	InsufficientBalance Code = 2
	CategoryMismatch    Code = 3

	// Reconnect required.
	Transport    Code = 1001
	Timeout      Code = 1002
	Unauthorized Code = 1003
	Unmapped     Code = 1004
	FeedLost     Code = 1005

	// Fatal: the market freezes until an operator reloads it.
	InvalidCredentials Code = 2001
	InvalidChannel     Code = 2002
	MissingUserID      Code = 2003
	UnknownSymbol      Code = 2004
	ReconnectExhausted Code = 2005
)

const (
	minorMax     Code = 10
	reconnectMin Code = 1000
	reconnectMax Code = 2000
)

type Class int

const (
	ClassNotConnected Class = iota
	ClassHealthy
	ClassMinor
	ClassReconnect
	ClassFatal
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassNotConnected:
		return "not_connected"
	case ClassHealthy:
		return "healthy"
	case ClassMinor:
		return "minor"
	case ClassReconnect:
		return "reconnect"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Class maps a code onto its range. Codes between the named ranges
// (11..999, below -1) are ClassUnknown.
func (c Code) Class() Class {
	switch {
	case c == NotConnected:
		return ClassNotConnected
	case c == Healthy:
		return ClassHealthy
	case c >= 1 && c <= minorMax:
		return ClassMinor
	case c >= reconnectMin && c <= reconnectMax:
		return ClassReconnect
	case c > reconnectMax:
		return ClassFatal
	default:
		return ClassUnknown
	}
}

func (c Code) IsMinor() bool     { return c.Class() == ClassMinor }
func (c Code) IsReconnect() bool { return c.Class() == ClassReconnect }
func (c Code) IsFatal() bool     { return c.Class() == ClassFatal }

// Max returns the worse of two codes. NotConnected never outranks a fault.
func Max(a, b Code) Code {
	if a > b {
		return a
	}
	return b
}

var names = map[Code]string{
	NotConnected:        "not_connected",
	Healthy:             "healthy",
	BadRequest:          "bad_request",
	InsufficientBalance: "insufficient_balance",
	CategoryMismatch:    "category_mismatch",
	Transport:           "transport",
	Timeout:             "timeout",
	Unauthorized:        "unauthorized",
	Unmapped:            "unmapped",
	FeedLost:            "feed_lost",
	InvalidCredentials:  "invalid_credentials",
	InvalidChannel:      "invalid_channel",
	MissingUserID:       "missing_user_id",
	UnknownSymbol:       "unknown_symbol",
	ReconnectExhausted:  "reconnect_exhausted",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("code_%d", int32(c))
}

// State is the controller-visible lifecycle state of a market.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateConnecting    State = "CONNECTING"
	StateLive          State = "LIVE"
	StateDegraded      State = "DEGRADED"
	StateReconnecting  State = "RECONNECTING"
	StateFrozen        State = "FROZEN"
)

// StateOf derives the resting state for a code.
func StateOf(c Code) State {
	switch c.Class() {
	case ClassNotConnected:
		return StateUninitialized
	case ClassHealthy:
		return StateLive
	case ClassMinor:
		return StateDegraded
	case ClassFatal:
		return StateFrozen
	default:
		return StateReconnecting
	}
}
