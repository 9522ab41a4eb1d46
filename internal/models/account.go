package models

import "time"

// Account holds balances for one settlement currency. Nil fields mean the
// exchange did not report the currency.
type Account struct {
	Currency           string   `json:"currency"`
	WalletBalance      *float64 `json:"wallet_balance"`
	UnrealisedPnl      *float64 `json:"unrealised_pnl"`
	MarginBalance      *float64 `json:"margin_balance"`
	AvailableMargin    *float64 `json:"available_margin"`
	WithdrawableMargin *float64 `json:"withdrawable_margin"`
}

// Placeholder returns an account row with every balance unset.
func Placeholder(currency string) Account {
	return Account{Currency: currency}
}

func Float(v float64) *float64 {
	return &v
}

type Position struct {
	Key             SymbolKey `json:"key"`
	Qty             float64   `json:"qty"`
	EntryPrice      float64   `json:"entry_price"`
	UnrealisedPnl   float64   `json:"unrealised_pnl"`
	MarginCallPrice float64   `json:"margin_call_price"`
	State           string    `json:"state"`
}

// User is the authenticated account identity.
type User struct {
	ID  string         `json:"id"`
	Raw map[string]any `json:"raw,omitempty"`
}

// Quote is the best bid and ask for one instrument.
type Quote struct {
	Key      SymbolKey `json:"key"`
	BidPrice float64   `json:"bid_price"`
	BidSize  float64   `json:"bid_size"`
	AskPrice float64   `json:"ask_price"`
	AskSize  float64   `json:"ask_size"`
	Time     time.Time `json:"time"`
}

// Kline is one bucket of OHLCV trade data.
type Kline struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}
