// Package normalizer converts exchange instrument payloads into the shared
// Instrument record. The category branch decides contract value math, so a
// wrong category is silently wrong PnL rather than a crash.
package normalizer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"marketlink/internal/models"
)

// ErrDegenerate reports a payload whose sizes cannot produce a tradable unit.
var ErrDegenerate = errors.New("degenerate instrument sizes")

// Payload is the exchange-independent view of one instrument listing.
// Optional exchange fields are pointers so that absent differs from zero.
type Payload struct {
	Symbol                         string
	Exchange                       string
	IsInverse                      bool
	IsQuanto                       bool
	Multiplier                     float64
	UnderlyingToSettleMultiplier   *float64
	UnderlyingToPositionMultiplier *float64
	LotSize                        float64
	TickSize                       float64
	SettlCurrency                  string
	State                          string
	Volume24h                      float64
	FundingRate                    *float64
	Expiry                         *time.Time
}

// Category follows the exchange flags: inverse wins over quanto, anything
// else is linear.
func (p Payload) Category() models.Category {
	switch {
	case p.IsInverse:
		return models.Inverse
	case p.IsQuanto:
		return models.Quanto
	default:
		return models.Linear
	}
}

// Normalize builds the Instrument for p. divisors maps settlement currency
// to its smallest-unit divisor and is only consulted for quanto contracts.
func Normalize(p Payload, divisors map[string]float64) (models.Instrument, error) {
	category := p.Category()
	if p.LotSize <= 0 {
		return models.Instrument{}, fmt.Errorf("%s: lot size %v: %w", p.Symbol, p.LotSize, ErrDegenerate)
	}

	var value, minimum float64
	switch category {
	case models.Inverse:
		u2s, ok := positive(p.UnderlyingToSettleMultiplier)
		if !ok {
			return models.Instrument{}, fmt.Errorf("%s: missing underlyingToSettleMultiplier: %w", p.Symbol, ErrDegenerate)
		}
		value = math.Abs(p.Multiplier / u2s)
		minimum = value * p.LotSize
	case models.Quanto:
		divisor := divisors[p.SettlCurrency]
		if divisor == 0 {
			return models.Instrument{}, fmt.Errorf("%s: no divisor for %q: %w", p.Symbol, p.SettlCurrency, ErrDegenerate)
		}
		value = math.Abs(p.Multiplier / divisor)
		minimum = p.LotSize
	default:
		if p.UnderlyingToPositionMultiplier != nil {
			u2p, ok := positive(p.UnderlyingToPositionMultiplier)
			if !ok {
				return models.Instrument{}, fmt.Errorf("%s: zero underlyingToPositionMultiplier: %w", p.Symbol, ErrDegenerate)
			}
			value = 1 / u2p
		} else {
			u2s, ok := positive(p.UnderlyingToSettleMultiplier)
			if !ok {
				return models.Instrument{}, fmt.Errorf("%s: missing contract multipliers: %w", p.Symbol, ErrDegenerate)
			}
			value = math.Abs(p.Multiplier / u2s)
		}
		minimum = value * p.LotSize
	}
	if minimum <= 0 || math.IsInf(minimum, 0) || math.IsNaN(minimum) {
		return models.Instrument{}, fmt.Errorf("%s: minimum trade amount %v: %w", p.Symbol, minimum, ErrDegenerate)
	}

	// truncated, with a relative tolerance so 999.9999999 still counts as 1000
	myMultiplier := int64(math.Floor(p.LotSize / minimum * (1 + ratioTolerance)))
	if myMultiplier < 1 {
		myMultiplier = 1
	}

	inst := models.Instrument{
		Key: models.SymbolKey{
			Ticker:   p.Symbol,
			Category: category,
			Exchange: p.Exchange,
		},
		Symbol:        p.Symbol,
		Category:      category,
		Exchange:      p.Exchange,
		SettlCurrency: p.SettlCurrency,
		Multiplier:    p.Multiplier,
		MyMultiplier:  myMultiplier,
		TickSize:      p.TickSize,
		MinOrderQty:   p.LotSize,
		Precision:     Precision(p.LotSize / float64(myMultiplier)),
		State:         p.State,
		Volume24h:     p.Volume24h,
		Bids:          models.EmptyBook(),
		Asks:          models.EmptyBook(),
	}
	if p.FundingRate != nil {
		inst.FundingRate = *p.FundingRate
	}
	if p.Expiry != nil {
		inst.Expiry = p.Expiry.UTC()
	}
	return inst, nil
}

const ratioTolerance = 1e-9

// Precision counts the fractional digits of qty in its shortest decimal form.
func Precision(qty float64) int32 {
	exp := decimal.NewFromFloat(qty).Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

func positive(v *float64) (float64, bool) {
	if v == nil || *v == 0 {
		return 0, false
	}
	return *v, true
}
