package bybit

import (
	"context"
	"fmt"
	"time"

	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/normalizer"
	"marketlink/internal/severity"
	"marketlink/logger"
)

type priceFilter struct {
	TickSize string `json:"tickSize"`
}

type lotSizeFilter struct {
	MinOrderQty string `json:"minOrderQty"`
	QtyStep     string `json:"qtyStep"`
}

type instrumentRow struct {
	Symbol        string        `json:"symbol"`
	ContractType  string        `json:"contractType"`
	Status        string        `json:"status"`
	SettleCoin    string        `json:"settleCoin"`
	DeliveryTime  string        `json:"deliveryTime"`
	PriceFilter   priceFilter   `json:"priceFilter"`
	LotSizeFilter lotSizeFilter `json:"lotSizeFilter"`
}

type tickerRow struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	Volume24h   string `json:"volume24h"`
	Bid1Price   string `json:"bid1Price"`
	Ask1Price   string `json:"ask1Price"`
}

// payload describes contracts as one unit of the underlying: Bybit sizes
// orders in coins for linear and in USD for inverse contracts.
func (r instrumentRow) payload(category models.Category) normalizer.Payload {
	one := 1.0
	p := normalizer.Payload{
		Symbol:        r.Symbol,
		Exchange:      Name,
		IsInverse:     category == models.Inverse,
		Multiplier:    1,
		LotSize:       exchange.Float(r.LotSizeFilter.MinOrderQty),
		TickSize:      exchange.Float(r.PriceFilter.TickSize),
		SettlCurrency: r.SettleCoin,
		State:         r.Status,
	}
	if p.IsInverse {
		p.UnderlyingToSettleMultiplier = &one
	} else {
		p.UnderlyingToPositionMultiplier = &one
	}
	if expiry := exchange.FromMillis(r.DeliveryTime); !expiry.IsZero() {
		p.Expiry = &expiry
	}
	return p
}

func (a *Adapter) fill(row instrumentRow, category models.Category) (models.Instrument, bool) {
	market := a.Market()
	inst, err := normalizer.Normalize(row.payload(category), market.Divisors())
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
	coins := make(map[models.Category]map[string]bool)
	for _, category := range a.tradable() {
		category := category
		coins[category] = make(map[string]bool)
		code := a.Exec("DiscoverInstruments", func() error {
			return paginate(ctx, a, instrumentsInfo, map[string]interface{}{
				"category": string(category),
				"limit":    instrumentPage,
			}, func(row instrumentRow) {
				if _, ok := a.fill(row, category); ok && row.SettleCoin != "" {
					coins[category][row.SettleCoin] = true
				}
			})
		})
		if code != severity.Healthy {
			return code
		}
	}
	a.rememberCoins(coins)

	if missing := a.Market().MissingSymbols(); len(missing) > 0 {
		return a.Report("DiscoverInstruments", severity.UnknownSymbol,
			fmt.Sprintf("%v %s. Check the symbols of %s in the config file", exchange.ErrUnknownSymbol, missing[0], a.Name()))
	}
	return severity.Healthy
}

func (a *Adapter) GetInstrument(ctx context.Context, symbol string, category models.Category) (models.Instrument, bool, severity.Code) {
	var res page[instrumentRow]
	code := a.Exec("GetInstrument", func() error {
		return a.call(ctx, instrumentsInfo, map[string]interface{}{
			"category": string(category),
			"symbol":   symbol,
		}, &res)
	})
	if code != severity.Healthy {
		return models.Instrument{}, false, code
	}
	if len(res.List) == 0 {
		a.Log().WithFields(logger.Fields{"symbol": symbol, "category": category}).Info("instrument not found")
		return models.Instrument{}, false, severity.Healthy
	}
	inst, ok := a.fill(res.List[0], category)
	return inst, ok, severity.Healthy
}

// ActivateFunding refreshes funding rate and volume from the tickers
// endpoint on the funding interval.
func (a *Adapter) ActivateFunding(ctx context.Context) severity.Code {
	return a.StartFunding(ctx, a.refreshFunding)
}

func (a *Adapter) refreshFunding(ctx context.Context) severity.Code {
	market := a.Market()
	for _, category := range a.tradable() {
		var res page[tickerRow]
		code := a.Exec("ActivateFunding", func() error {
			return a.call(ctx, marketTickers, map[string]interface{}{"category": string(category)}, &res)
		})
		if code != severity.Healthy {
			return code
		}
		for _, t := range res.List {
			key := models.SymbolKey{Ticker: t.Symbol, Category: category, Exchange: market.Name()}
			if _, ok := market.Instruments.Get(key); !ok {
				continue
			}
			market.Instruments.Update(key, func(inst models.Instrument, _ bool) models.Instrument {
				inst.FundingRate = exchange.Float(t.FundingRate)
				inst.Volume24h = exchange.Float(t.Volume24h)
				return inst
			})
		}
	}
	return severity.Healthy
}

// klineInterval maps 1m, 5m, 1h and 1d onto Bybit interval names.
var klineInterval = map[string]string{
	"1m": "1",
	"5m": "5",
	"1h": "60",
	"1d": "D",
}

func (a *Adapter) TradeBucketed(ctx context.Context, key models.SymbolKey, start time.Time, timeframe string) ([]models.Kline, severity.Code) {
	interval, ok := klineInterval[timeframe]
	if !ok {
		interval = timeframe
	}
	var res page[[]string]
	code := a.Exec("TradeBucketed", func() error {
		return a.call(ctx, marketKline, map[string]interface{}{
			"category": string(key.Category),
			"symbol":   key.Ticker,
			"interval": interval,
			"start":    millis(start),
			"limit":    1000,
		}, &res)
	})
	if code != severity.Healthy {
		return nil, code
	}
	klines := make([]models.Kline, 0, len(res.List))
	for _, row := range res.List {
		if len(row) < 6 {
			continue
		}
		klines = append(klines, models.Kline{
			Time:   exchange.FromMillis(row[0]),
			Open:   exchange.Float(row[1]),
			High:   exchange.Float(row[2]),
			Low:    exchange.Float(row[3]),
			Close:  exchange.Float(row[4]),
			Volume: exchange.Float(row[5]),
		})
	}
	sortKlines(klines)
	return klines, severity.Healthy
}
