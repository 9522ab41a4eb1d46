package deribit

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/normalizer"
	"marketlink/internal/severity"
	"marketlink/logger"
)

// perpetuals carry this settlement period instead of an expiry
const perpetual = "perpetual"

type instrumentRow struct {
	InstrumentName      string  `json:"instrument_name"`
	Kind                string  `json:"kind"`
	InstrumentType      string  `json:"instrument_type"`
	SettlementCurrency  string  `json:"settlement_currency"`
	SettlementPeriod    string  `json:"settlement_period"`
	ContractSize        float64 `json:"contract_size"`
	MinTradeAmount      float64 `json:"min_trade_amount"`
	TickSize            float64 `json:"tick_size"`
	IsActive            bool    `json:"is_active"`
	ExpirationTimestamp int64   `json:"expiration_timestamp"`
}

type summaryRow struct {
	InstrumentName string   `json:"instrument_name"`
	Funding8h      *float64 `json:"funding_8h"`
	Volume         float64  `json:"volume"`
	VolumeUSD      float64  `json:"volume_usd"`
}

// payload describes contracts as one unit of the underlying: inverse
// ("reversed") amounts are in USD, linear amounts in the base coin.
func (r instrumentRow) payload() normalizer.Payload {
	one := 1.0
	p := normalizer.Payload{
		Symbol:        r.InstrumentName,
		Exchange:      Name,
		IsInverse:     r.InstrumentType == "reversed",
		Multiplier:    1,
		LotSize:       r.MinTradeAmount,
		TickSize:      r.TickSize,
		SettlCurrency: r.SettlementCurrency,
		State:         "closed",
	}
	if r.IsActive {
		p.State = "open"
	}
	if p.IsInverse {
		p.UnderlyingToSettleMultiplier = &one
	} else {
		p.UnderlyingToPositionMultiplier = &one
	}
	if r.SettlementPeriod != perpetual && r.ExpirationTimestamp > 0 {
		expiry := time.UnixMilli(r.ExpirationTimestamp).UTC()
		p.Expiry = &expiry
	}
	return p
}

func (a *Adapter) fill(row instrumentRow) (models.Instrument, bool) {
	market := a.Market()
	inst, err := normalizer.Normalize(row.payload(), market.Divisors())
	if err != nil {
		a.Log().WithError(err).WithFields(logger.Fields{"symbol": row.InstrumentName}).Debug("instrument skipped")
		return models.Instrument{}, false
	}
	inst.Exchange = market.Name()
	inst.Key.Exchange = market.Name()
	market.PutInstrument(inst)
	return inst, true
}

func (a *Adapter) instruments(ctx context.Context) ([]instrumentRow, error) {
	return call[[]instrumentRow](ctx, a, "public/get_instruments", url.Values{
		"currency": {anyCurrency},
		"kind":     {kindFuture},
		"expired":  {"false"},
	})
}

func (a *Adapter) DiscoverInstruments(ctx context.Context) severity.Code {
	var rows []instrumentRow
	code := a.Exec("DiscoverInstruments", func() error {
		var err error
		rows, err = a.instruments(ctx)
		return err
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

// GetInstrument looks symbol up in the active futures list, so an unknown
// name is a plain miss rather than an exchange error.
func (a *Adapter) GetInstrument(ctx context.Context, symbol string, category models.Category) (models.Instrument, bool, severity.Code) {
	var rows []instrumentRow
	code := a.Exec("GetInstrument", func() error {
		var err error
		rows, err = a.instruments(ctx)
		return err
	})
	if code != severity.Healthy {
		return models.Instrument{}, false, code
	}
	for _, row := range rows {
		if row.InstrumentName != symbol {
			continue
		}
		if inst, ok := a.fill(row); ok && inst.Category == category {
			return inst, true, severity.Healthy
		}
	}
	a.Log().WithFields(logger.Fields{"symbol": symbol, "category": category}).Info("instrument not found")
	return models.Instrument{}, false, severity.Healthy
}

// ActivateFunding refreshes the 8h funding rate and 24h volume from the book
// summaries on the funding interval.
func (a *Adapter) ActivateFunding(ctx context.Context) severity.Code {
	return a.StartFunding(ctx, a.refreshFunding)
}

func (a *Adapter) refreshFunding(ctx context.Context) severity.Code {
	var rows []summaryRow
	code := a.Exec("ActivateFunding", func() error {
		var err error
		rows, err = call[[]summaryRow](ctx, a, "public/get_book_summary_by_currency", url.Values{
			"currency": {anyCurrency},
			"kind":     {kindFuture},
		})
		return err
	})
	if code != severity.Healthy {
		return code
	}
	market := a.Market()
	for _, r := range rows {
		key, ok := a.knownKey(r.InstrumentName)
		if !ok {
			continue
		}
		market.Instruments.Update(key, func(inst models.Instrument, _ bool) models.Instrument {
			if r.Funding8h != nil {
				inst.FundingRate = *r.Funding8h
			}
			inst.Volume24h = r.Volume
			if inst.Category == models.Inverse {
				inst.Volume24h = r.VolumeUSD
			}
			return inst
		})
	}
	return severity.Healthy
}

// knownKey resolves an instrument name seen by discovery.
func (a *Adapter) knownKey(symbol string) (models.SymbolKey, bool) {
	market := a.Market()
	if _, ok := market.CategoryOf(symbol); !ok {
		return models.SymbolKey{}, false
	}
	return market.KeyOf(symbol), true
}

type chartData struct {
	Status string    `json:"status"`
	Ticks  []int64   `json:"ticks"`
	Open   []float64 `json:"open"`
	High   []float64 `json:"high"`
	Low    []float64 `json:"low"`
	Close  []float64 `json:"close"`
	Volume []float64 `json:"volume"`
}

// resolution maps 1m, 5m, 1h and 1d onto chart resolutions.
var resolution = map[string]string{
	"1m": "1",
	"5m": "5",
	"1h": "60",
	"1d": "1D",
}

func (a *Adapter) TradeBucketed(ctx context.Context, key models.SymbolKey, start time.Time, timeframe string) ([]models.Kline, severity.Code) {
	res, ok := resolution[timeframe]
	if !ok {
		res = timeframe
	}
	var data chartData
	code := a.Exec("TradeBucketed", func() error {
		var err error
		data, err = call[chartData](ctx, a, "public/get_tradingview_chart_data", url.Values{
			"instrument_name": {key.Ticker},
			"start_timestamp": {strconv.FormatInt(start.UnixMilli(), 10)},
			"end_timestamp":   {strconv.FormatInt(a.now().UnixMilli(), 10)},
			"resolution":      {res},
		})
		return err
	})
	if code != severity.Healthy {
		return nil, code
	}
	n := len(data.Ticks)
	for _, col := range [][]float64{data.Open, data.High, data.Low, data.Close, data.Volume} {
		if len(col) < n {
			n = len(col)
		}
	}
	klines := make([]models.Kline, 0, n)
	for i := 0; i < n; i++ {
		klines = append(klines, models.Kline{
			Time:   time.UnixMilli(data.Ticks[i]).UTC(),
			Open:   data.Open[i],
			High:   data.High[i],
			Low:    data.Low[i],
			Close:  data.Close[i],
			Volume: data.Volume[i],
		})
	}
	sortKlines(klines)
	return klines, severity.Healthy
}
