package bitmex

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/normalizer"
	"marketlink/internal/severity"
	"marketlink/logger"
)

type instrumentRow struct {
	Symbol                         string     `json:"symbol"`
	IsInverse                      bool       `json:"isInverse"`
	IsQuanto                       bool       `json:"isQuanto"`
	Multiplier                     float64    `json:"multiplier"`
	UnderlyingToSettleMultiplier   *float64   `json:"underlyingToSettleMultiplier"`
	UnderlyingToPositionMultiplier *float64   `json:"underlyingToPositionMultiplier"`
	LotSize                        float64    `json:"lotSize"`
	TickSize                       float64    `json:"tickSize"`
	SettlCurrency                  string     `json:"settlCurrency"`
	State                          string     `json:"state"`
	Volume24h                      float64    `json:"volume24h"`
	FundingRate                    *float64   `json:"fundingRate"`
	Expiry                         *time.Time `json:"expiry"`
}

func (r instrumentRow) payload() normalizer.Payload {
	return normalizer.Payload{
		Symbol:                         r.Symbol,
		Exchange:                       Name,
		IsInverse:                      r.IsInverse,
		IsQuanto:                       r.IsQuanto,
		Multiplier:                     r.Multiplier,
		UnderlyingToSettleMultiplier:   r.UnderlyingToSettleMultiplier,
		UnderlyingToPositionMultiplier: r.UnderlyingToPositionMultiplier,
		LotSize:                        r.LotSize,
		TickSize:                       r.TickSize,
		SettlCurrency:                  r.SettlCurrency,
		State:                          r.State,
		Volume24h:                      r.Volume24h,
		FundingRate:                    r.FundingRate,
		Expiry:                         r.Expiry,
	}
}

// fill normalizes row into the instrument table. Degenerate listings are
// skipped: the exchange lists many contracts nobody configured.
func (a *Adapter) fill(row instrumentRow) (models.Instrument, bool) {
	market := a.Market()
	inst, err := normalizer.Normalize(row.payload(), market.Divisors())
	if err != nil {
		a.Log().WithError(err).WithFields(logger.Fields{"symbol": row.Symbol}).Debug("instrument skipped")
		return models.Instrument{}, false
	}
	inst.Exchange = market.Name()
	inst.Key.Exchange = market.Name()
	market.PutInstrument(inst)
	return inst, true
}

func (a *Adapter) DiscoverInstruments(ctx context.Context) severity.Code {
	var rows []instrumentRow
	code := a.Exec("DiscoverInstruments", func() error {
		return a.get(ctx, "/instrument/active", nil, false, &rows)
	})
	if code != severity.Healthy {
		return code
	}
	for _, row := range rows {
		a.fill(row)
	}
	if missing := a.Market().MissingSymbols(); len(missing) > 0 {
		return a.Report("DiscoverInstruments", severity.UnknownSymbol,
			fmt.Sprintf("%v %s. Check the symbols of %s in the config file", exchange.ErrUnknownSymbol, missing[0], a.Name()))
	}
	return severity.Healthy
}

func (a *Adapter) GetInstrument(ctx context.Context, symbol string, category models.Category) (models.Instrument, bool, severity.Code) {
	var rows []instrumentRow
	code := a.Exec("GetInstrument", func() error {
		return a.get(ctx, "/instrument", url.Values{"symbol": {symbol}}, false, &rows)
	})
	if code != severity.Healthy || len(rows) == 0 {
		if code == severity.Healthy {
			a.Log().WithFields(logger.Fields{"symbol": symbol, "category": category}).Info("instrument not found")
		}
		return models.Instrument{}, false, code
	}
	inst, ok := a.fill(rows[0])
	if ok && category != "" && inst.Category != category {
		a.Log().WithFields(logger.Fields{"symbol": symbol, "want": category, "got": inst.Category}).Warn("instrument category differs from request")
	}
	return inst, ok, severity.Healthy
}

// ActivateFunding keeps funding rate, volume and state of known instruments
// current.
func (a *Adapter) ActivateFunding(ctx context.Context) severity.Code {
	return a.StartFunding(ctx, a.refreshFunding)
}

func (a *Adapter) refreshFunding(ctx context.Context) severity.Code {
	var rows []instrumentRow
	code := a.Exec("ActivateFunding", func() error {
		return a.get(ctx, "/instrument/active", url.Values{
			"columns": {"symbol,fundingRate,volume24h,state"},
		}, false, &rows)
	})
	if code != severity.Healthy {
		return code
	}
	market := a.Market()
	for _, row := range rows {
		key := market.KeyOf(row.Symbol)
		if _, ok := market.Instruments.Get(key); !ok {
			continue
		}
		market.Instruments.Update(key, func(inst models.Instrument, _ bool) models.Instrument {
			if row.FundingRate != nil {
				inst.FundingRate = *row.FundingRate
			}
			inst.Volume24h = row.Volume24h
			if row.State != "" {
				inst.State = row.State
			}
			return inst
		})
	}
	return severity.Healthy
}
