package models

import (
	"fmt"
	"strings"
	"time"
)

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// INSTRUMENTS ////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Category is the settlement style of a derivative contract.
type Category string

const (
	Inverse Category = "inverse"
	Quanto  Category = "quanto"
	Linear  Category = "linear"
)

// ParseCategory accepts any casing of the three known categories.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case Inverse, Quanto, Linear:
		return c, nil
	default:
		return "", fmt.Errorf("unknown category %q", s)
	}
}

// Perpetual is the expiry label for contracts without one.
const Perpetual = "Perpetual"

// SymbolKey identifies one instrument across all markets.
type SymbolKey struct {
	Ticker   string   `json:"ticker"`
	Category Category `json:"category"`
	Exchange string   `json:"exchange"`
}

func (k SymbolKey) String() string {
	return k.Ticker + "." + string(k.Category) + "@" + k.Exchange
}

// BookLevel is a [price, size] pair.
type BookLevel [2]float64

// EmptyBook is the placeholder book held until the feed delivers data.
func EmptyBook() []BookLevel {
	return []BookLevel{{0, 0}}
}

// Instrument is the normalized contract record shared by every market.
type Instrument struct {
	Key           SymbolKey   `json:"key"`
	Symbol        string      `json:"symbol"`
	Category      Category    `json:"category"`
	Exchange      string      `json:"exchange"`
	SettlCurrency string      `json:"settl_currency"`
	Multiplier    float64     `json:"multiplier"`
	MyMultiplier  int64       `json:"my_multiplier"`
	TickSize      float64     `json:"tick_size"`
	MinOrderQty   float64     `json:"min_order_qty"`
	Precision     int32       `json:"precision"`
	State         string      `json:"state"`
	Volume24h     float64     `json:"volume24h"`
	FundingRate   float64     `json:"funding_rate"`
	Expiry        time.Time   `json:"expiry"`
	AvgEntryPrice float64     `json:"avg_entry_price"`
	MarginCall    float64     `json:"margin_call_price"`
	CurrentQty    float64     `json:"current_qty"`
	UnrealisedPnl float64     `json:"unrealised_pnl"`
	Bids          []BookLevel `json:"bids"`
	Asks          []BookLevel `json:"asks"`
}

// ExpiryLabel renders the expiry, or Perpetual when there is none.
func (i Instrument) ExpiryLabel() string {
	if i.Expiry.IsZero() {
		return Perpetual
	}
	return i.Expiry.UTC().Format(time.RFC3339)
}

// Clone copies the book slices so callers cannot alias table state.
func (i Instrument) Clone() Instrument {
	i.Bids = append([]BookLevel(nil), i.Bids...)
	i.Asks = append([]BookLevel(nil), i.Asks...)
	return i
}
