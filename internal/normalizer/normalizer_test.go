package normalizer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketlink/internal/models"
)

func f(v float64) *float64 { return &v }

var bitmexDivisors = map[string]float64{
	"XBt":  100000000,
	"USDt": 1000000,
}

func TestNormalizeFixtures(t *testing.T) {
	expiry := time.Date(2026, 12, 25, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name         string
		payload      Payload
		category     models.Category
		multiplier   float64
		myMultiplier int64
		precision    int32
	}{
		{
			name: "bitmex inverse",
			payload: Payload{
				Symbol: "XBTUSD", Exchange: "Bitmex", IsInverse: true,
				Multiplier: 1, UnderlyingToSettleMultiplier: f(100), LotSize: 100,
				TickSize: 0.5, SettlCurrency: "XBt", State: "Open", FundingRate: f(0.0001),
			},
			category: models.Inverse, multiplier: 1, myMultiplier: 100, precision: 0,
		},
		{
			name: "bitmex quanto",
			payload: Payload{
				Symbol: "ETHUSD", Exchange: "Bitmex", IsQuanto: true,
				Multiplier: 100, LotSize: 1, TickSize: 0.05, SettlCurrency: "XBt", State: "Open",
			},
			category: models.Quanto, multiplier: 100, myMultiplier: 1, precision: 0,
		},
		{
			name: "bitmex linear with position multiplier",
			payload: Payload{
				Symbol: "XBTUSDT", Exchange: "Bitmex",
				Multiplier: 1, UnderlyingToPositionMultiplier: f(1000000), LotSize: 1000,
				TickSize: 0.5, SettlCurrency: "USDt", State: "Open",
			},
			category: models.Linear, multiplier: 1, myMultiplier: 1000000, precision: 3,
		},
		{
			name: "bitmex linear with settle multiplier",
			payload: Payload{
				Symbol: "XBTH27", Exchange: "Bitmex",
				Multiplier: 1, UnderlyingToSettleMultiplier: f(1000), LotSize: 100,
				TickSize: 0.5, SettlCurrency: "USDt", State: "Open", Expiry: &expiry,
			},
			category: models.Linear, multiplier: 1, myMultiplier: 1000, precision: 1,
		},
		{
			name: "bybit linear",
			payload: Payload{
				Symbol: "BTCUSDT", Exchange: "Bybit",
				Multiplier: 1, UnderlyingToPositionMultiplier: f(1), LotSize: 0.001,
				TickSize: 0.1, SettlCurrency: "USDT", State: "Trading",
			},
			category: models.Linear, multiplier: 1, myMultiplier: 1, precision: 3,
		},
		{
			name: "bybit inverse",
			payload: Payload{
				Symbol: "BTCUSD", Exchange: "Bybit", IsInverse: true,
				Multiplier: 1, UnderlyingToSettleMultiplier: f(1), LotSize: 1,
				TickSize: 0.5, SettlCurrency: "BTC", State: "Trading",
			},
			category: models.Inverse, multiplier: 1, myMultiplier: 1, precision: 0,
		},
		{
			name: "deribit inverse",
			payload: Payload{
				Symbol: "BTC-PERPETUAL", Exchange: "Deribit", IsInverse: true,
				Multiplier: 1, UnderlyingToSettleMultiplier: f(1), LotSize: 10,
				TickSize: 0.5, SettlCurrency: "BTC", State: "open",
			},
			category: models.Inverse, multiplier: 1, myMultiplier: 1, precision: 0,
		},
		{
			name: "deribit linear",
			payload: Payload{
				Symbol: "ETH_USDC-PERPETUAL", Exchange: "Deribit",
				Multiplier: 1, UnderlyingToPositionMultiplier: f(1), LotSize: 0.01,
				TickSize: 0.05, SettlCurrency: "USDC", State: "open",
			},
			category: models.Linear, multiplier: 1, myMultiplier: 1, precision: 2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inst, err := Normalize(tc.payload, bitmexDivisors)
			require.NoError(t, err)
			assert.Equal(t, tc.category, inst.Category)
			assert.Equal(t, tc.category, inst.Key.Category)
			assert.Equal(t, tc.payload.Symbol, inst.Key.Ticker)
			assert.Equal(t, tc.payload.Exchange, inst.Key.Exchange)
			assert.Equal(t, tc.multiplier, inst.Multiplier)
			assert.Equal(t, tc.myMultiplier, inst.MyMultiplier)
			assert.Equal(t, tc.precision, inst.Precision)
			assert.Equal(t, tc.payload.LotSize, inst.MinOrderQty)
			assert.Equal(t, []models.BookLevel{{0, 0}}, inst.Bids)
			assert.Equal(t, []models.BookLevel{{0, 0}}, inst.Asks)
			assert.Zero(t, inst.CurrentQty)
			assert.Zero(t, inst.AvgEntryPrice)
		})
	}
}

func TestNormalizeDegenerateInverseClampsMultiplier(t *testing.T) {
	// valueOfOneContract = 2, minimumTradeAmount = 20, lot/min = 0.5
	p := Payload{
		Symbol: "DEGEN", Exchange: "Bitmex", IsInverse: true,
		Multiplier: 100, UnderlyingToSettleMultiplier: f(50), LotSize: 10,
	}
	inst, err := Normalize(p, nil)
	require.NoError(t, err)
	assert.Equal(t, models.Inverse, inst.Category)
	assert.Equal(t, int64(1), inst.MyMultiplier)
	assert.Equal(t, int32(0), inst.Precision)
}

func TestNormalizeTruncatesFractionalMultiplier(t *testing.T) {
	// valueOfOneContract = 0.4, minimumTradeAmount = 4, lot/min = 2.5
	p := Payload{
		Symbol: "FRAC", Exchange: "Bitmex",
		Multiplier: 2, UnderlyingToSettleMultiplier: f(5), LotSize: 10,
	}
	inst, err := Normalize(p, bitmexDivisors)
	require.NoError(t, err)
	assert.Equal(t, models.Linear, inst.Category)
	assert.Equal(t, int64(2), inst.MyMultiplier)
	assert.Equal(t, int32(0), inst.Precision)
}

func TestNormalizeRejectsDegenerateSizes(t *testing.T) {
	cases := map[string]Payload{
		"zero lot":            {Symbol: "A", IsInverse: true, Multiplier: 1, UnderlyingToSettleMultiplier: f(1)},
		"inverse without u2s": {Symbol: "B", IsInverse: true, Multiplier: 1, LotSize: 1},
		"quanto no divisor":   {Symbol: "C", IsQuanto: true, Multiplier: 1, LotSize: 1, SettlCurrency: "ZZZ"},
		"linear zero u2p":     {Symbol: "D", Multiplier: 1, UnderlyingToPositionMultiplier: f(0), LotSize: 1},
		"linear nothing":      {Symbol: "E", Multiplier: 1, LotSize: 1},
		"zero multiplier":     {Symbol: "F", IsInverse: true, Multiplier: 0, UnderlyingToSettleMultiplier: f(1), LotSize: 1},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(p, bitmexDivisors)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDegenerate))
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	p := Payload{
		Symbol: "BTCUSDT", Exchange: "Bybit",
		UnderlyingToPositionMultiplier: f(1), Multiplier: 1, LotSize: 0.001,
	}
	inst, err := Normalize(p, nil)
	require.NoError(t, err)
	assert.Zero(t, inst.FundingRate)
	assert.Equal(t, models.Perpetual, inst.ExpiryLabel())
}

func TestNormalizeIsIdempotent(t *testing.T) {
	expiry := time.Date(2027, 3, 26, 12, 0, 0, 0, time.FixedZone("x", 3600))
	p := Payload{
		Symbol: "XBTH27", Exchange: "Bitmex",
		Multiplier: 1, UnderlyingToSettleMultiplier: f(1000), LotSize: 100,
		Expiry: &expiry, FundingRate: f(0.0003),
	}
	a, err := Normalize(p, bitmexDivisors)
	require.NoError(t, err)
	b, err := Normalize(p, bitmexDivisors)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, time.UTC, a.Expiry.Location())
}

func TestPrecision(t *testing.T) {
	cases := map[float64]int32{
		1:       0,
		100:     0,
		0.5:     1,
		0.001:   3,
		0.00025: 5,
		12.75:   2,
	}
	for qty, want := range cases {
		assert.Equal(t, want, Precision(qty), "qty %v", qty)
	}
}
