package bitmex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "marketlink/config"
	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/notify"
	"marketlink/internal/severity"
)

const instrumentsJSON = `[
 {"symbol":"XBTUSD","isInverse":true,"isQuanto":false,"multiplier":-100000000,
  "underlyingToSettleMultiplier":-100000000,"underlyingToPositionMultiplier":null,
  "lotSize":100,"tickSize":0.5,"settlCurrency":"XBt","state":"Open","volume24h":1000,"fundingRate":0.0001,"expiry":null},
 {"symbol":"ETHUSD","isInverse":false,"isQuanto":true,"multiplier":100,
  "underlyingToSettleMultiplier":null,"lotSize":1,"tickSize":0.05,"settlCurrency":"XBt","state":"Open","volume24h":10},
 {"symbol":"XBTUSDT","isInverse":false,"isQuanto":false,"multiplier":1,
  "underlyingToSettleMultiplier":null,"underlyingToPositionMultiplier":1000000,
  "lotSize":1000,"tickSize":0.5,"settlCurrency":"USDt","state":"Open","volume24h":5},
 {"symbol":"BROKEN","isInverse":true,"multiplier":1,"lotSize":0}
]`

type recordingSink struct {
	mu   sync.Mutex
	msgs []notify.Notification
}

func (r *recordingSink) Publish(n notify.Notification) {
	r.mu.Lock()
	r.msgs = append(r.msgs, n)
	r.mu.Unlock()
}

type fixture struct {
	srv     *httptest.Server
	adapter *Adapter
	sink    *recordingSink

	mu       sync.Mutex
	requests []*http.Request
	bodies   []map[string]any
}

func newFixture(t *testing.T, routes map[string]http.HandlerFunc, symbols ...appconfig.SymbolConfig) *fixture {
	t.Helper()
	f := &fixture{sink: &recordingSink{}}
	mux := http.NewServeMux()
	for pattern, h := range routes {
		h := h
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			f.mu.Lock()
			f.requests = append(f.requests, r)
			f.bodies = append(f.bodies, body)
			f.mu.Unlock()
			h(w, r)
		})
	}
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	if len(symbols) == 0 {
		symbols = []appconfig.SymbolConfig{
			{Symbol: "XBTUSD", Category: "inverse"},
			{Symbol: "ETHUSD", Category: "quanto"},
			{Symbol: "XBTUSDT", Category: "linear"},
		}
	}
	cfg := appconfig.ExchangeConfig{
		RestURL:         f.srv.URL + "/api/v1",
		WsURL:           "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/realtime",
		Symbols:         symbols,
		Currencies:      []string{"XBt", "USDt"},
		CurrencyDivisor: map[string]float64{"XBt": 1e8, "USDt": 1e6},
		Timeout:         2 * time.Second,
		RateLimit:       appconfig.RateLimitConfig{RequestsPerSecond: 1000, Burst: 100},
		FundingInterval: time.Hour,
		Keepalive:       time.Hour,
		ReadTimeout:     5 * time.Second,
	}
	market := exchange.NewMarket(exchange.MarketConfigFrom(Name, cfg))
	f.adapter = New(market, cfg, "key", "secret", f.sink)
	t.Cleanup(f.adapter.Close)
	return f
}

func reply(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

func fail(status int, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": message, "name": "HTTPError"}})
	}
}

func TestDiscoverInstruments(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{"/api/v1/instrument/active": reply(instrumentsJSON)})

	code := f.adapter.DiscoverInstruments(context.Background())
	require.Equal(t, severity.Healthy, code)

	m := f.adapter.Market()
	assert.Equal(t, 3, m.Instruments.Len())

	inverse, ok := m.Instruments.Get(models.SymbolKey{Ticker: "XBTUSD", Category: models.Inverse, Exchange: Name})
	require.True(t, ok)
	assert.Equal(t, int64(1), inverse.MyMultiplier)
	assert.Equal(t, 0.0001, inverse.FundingRate)
	assert.Equal(t, models.Perpetual, inverse.ExpiryLabel())

	linear, ok := m.Instruments.Get(models.SymbolKey{Ticker: "XBTUSDT", Category: models.Linear, Exchange: Name})
	require.True(t, ok)
	assert.Equal(t, int64(1000000), linear.MyMultiplier)
	assert.Equal(t, int32(3), linear.Precision)

	quanto, ok := m.Instruments.Get(models.SymbolKey{Ticker: "ETHUSD", Category: models.Quanto, Exchange: Name})
	require.True(t, ok)
	assert.Equal(t, "XBt", quanto.SettlCurrency)
}

func TestDiscoverInstrumentsUnknownSymbolIsFatal(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{"/api/v1/instrument/active": reply(instrumentsJSON)},
		appconfig.SymbolConfig{Symbol: "XBTUSD", Category: "linear"})

	code := f.adapter.DiscoverInstruments(context.Background())
	assert.Equal(t, severity.UnknownSymbol, code)
	assert.Equal(t, severity.UnknownSymbol, f.adapter.Market().Severity())
	require.Len(t, f.sink.msgs, 1)
	assert.Contains(t, f.sink.msgs[0].Message, "unknown symbol XBTUSD.linear@Bitmex")
}

func TestPrivateRequestsAreSigned(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{"/api/v1/user": reply(`{"id":123456,"username":"trader"}`)})

	user, code := f.adapter.GetUser(context.Background())
	require.Equal(t, severity.Healthy, code)
	assert.Equal(t, "123456", user.ID)
	assert.Equal(t, "trader", user.Raw["username"])
	assert.Equal(t, "123456", f.adapter.Market().User().ID)

	req := f.requests[0]
	assert.Equal(t, "key", req.Header.Get("api-key"))
	expires := req.Header.Get("api-expires")
	require.NotEmpty(t, expires)
	assert.Equal(t, sign("secret", "GET", "/api/v1/user", expires, nil), req.Header.Get("api-signature"))
}

func TestSignMatchesReference(t *testing.T) {
	// reference vector from the BitMEX API key documentation
	got := sign("chNOOS4KvNXR_Xq4k4c9qsfoKWvnDecLATCRlcBwyKDYnWgO", "GET", "/api/v1/instrument", "1518064236", nil)
	assert.Equal(t, "c7682d435d0cfe87c16098df34ef2eb5a549d4c5a3c2b1f0f77b8af73423bf00", got)
}

func TestGetUserWithoutID(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{"/api/v1/user": reply(`{"username":"trader"}`)})

	_, code := f.adapter.GetUser(context.Background())
	assert.Equal(t, severity.MissingUserID, code)
	assert.True(t, f.adapter.Market().Severity().IsFatal())
}

func TestWalletBalanceKeepsPlaceholders(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{
		"/api/v1/user/margin": reply(`[{"currency":"XBt","walletBalance":150000,"marginBalance":151000,"availableMargin":100000}]`),
	})

	require.Equal(t, severity.Healthy, f.adapter.GetWalletBalance(context.Background()))
	accounts := f.adapter.Market().AccountList()
	require.Len(t, accounts, 2)
	assert.Equal(t, "USDt", accounts[0].Currency)
	assert.Nil(t, accounts[0].WalletBalance)
	assert.Equal(t, 150000.0, *accounts[1].WalletBalance)
	assert.Nil(t, accounts[1].WithdrawableMargin)
}

func TestPositionsMirrorOntoInstruments(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{
		"/api/v1/instrument/active": reply(instrumentsJSON),
		"/api/v1/position": reply(`[{"symbol":"XBTUSD","currentQty":-300,"avgEntryPrice":65000.5,
			"unrealisedPnl":-1200,"liquidationPrice":90000,"isOpen":true}]`),
	})
	ctx := context.Background()
	require.Equal(t, severity.Healthy, f.adapter.DiscoverInstruments(ctx))
	require.Equal(t, severity.Healthy, f.adapter.GetPositionInfo(ctx))

	m := f.adapter.Market()
	assert.Len(t, m.PositionList(), 3)
	key := models.SymbolKey{Ticker: "XBTUSD", Category: models.Inverse, Exchange: Name}
	pos, _ := m.Positions.Get(key)
	assert.Equal(t, -300.0, pos.Qty)
	assert.Equal(t, 90000.0, pos.MarginCallPrice)

	inst, _ := m.Instruments.Get(key)
	assert.Equal(t, -300.0, inst.CurrentQty)
	assert.Equal(t, 65000.5, inst.AvgEntryPrice)

	flat, _ := m.Positions.Get(models.SymbolKey{Ticker: "ETHUSD", Category: models.Quanto, Exchange: Name})
	assert.Zero(t, flat.Qty)
}

func TestGetPositionZeroRow(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{"/api/v1/position": reply(`[]`)})

	key := models.SymbolKey{Ticker: "SOLUSD", Category: models.Quanto, Exchange: Name}
	pos, code := f.adapter.GetPosition(context.Background(), key)
	require.Equal(t, severity.Healthy, code)
	assert.Equal(t, key, pos.Key)
	assert.Zero(t, pos.Qty)
	assert.Equal(t, `{"symbol":"SOLUSD"}`, f.requests[0].URL.Query().Get("filter"))
}

func TestOpenOrdersPaginates(t *testing.T) {
	var calls int
	f := newFixture(t, map[string]http.HandlerFunc{
		"/api/v1/order": func(w http.ResponseWriter, r *http.Request) {
			calls++
			n := pageSize
			if r.URL.Query().Get("start") != "0" {
				n = 2
			}
			rows := make([]map[string]any, n)
			for i := range rows {
				rows[i] = map[string]any{
					"orderID": "o", "symbol": "XBTUSD", "side": "Buy", "orderQty": 100, "price": 60000,
					"leavesQty": 100, "ordStatus": "New", "ordType": "Limit", "transactTime": "2026-01-01T00:00:00.000Z",
				}
			}
			json.NewEncoder(w).Encode(rows)
		},
	})

	orders, code := f.adapter.OpenOrders(context.Background())
	require.Equal(t, severity.Healthy, code)
	assert.Equal(t, 2, calls)
	assert.Len(t, orders, pageSize+2)
	assert.Equal(t, models.Inverse, orders[0].Key.Category)
	assert.Len(t, f.adapter.Market().Orders(), pageSize+2)
}

func TestPlaceReplaceRemove(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{
		"/api/v1/order": func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost:
				reply(`{"orderID":"abc","clOrdID":"cl1","ordStatus":"New"}`)(w, r)
			case http.MethodPut:
				reply(`{"orderID":"abc","ordStatus":"New"}`)(w, r)
			case http.MethodDelete:
				reply(`[{"orderID":"abc","ordStatus":"Canceled"}]`)(w, r)
			}
		},
	})
	ctx := context.Background()
	key := models.SymbolKey{Ticker: "XBTUSD", Category: models.Inverse, Exchange: Name}

	placed, code := f.adapter.PlaceLimit(ctx, models.LimitOrder{Key: key, Side: models.Sell, Qty: -100, Price: 65000.5, ClOrdID: "cl1"})
	require.Equal(t, severity.Healthy, code)
	assert.Equal(t, "abc", placed.OrderID)
	assert.Equal(t, "cl1", placed.ClOrdID)
	assert.Equal(t, 100.0, f.bodies[0]["orderQty"])
	assert.Equal(t, "Sell", f.bodies[0]["side"])
	assert.Equal(t, 65000.5, f.bodies[0]["price"])
	assert.Equal(t, "Limit", f.bodies[0]["ordType"])

	replaced, code := f.adapter.ReplaceLimit(ctx, models.ReplaceOrder{Key: key, OrderID: "abc", LeavesQty: -200, Price: 61000})
	require.Equal(t, severity.Healthy, code)
	assert.Equal(t, "abc", replaced.OrderID)
	assert.Equal(t, 200.0, f.bodies[1]["leavesQty"])

	removed, code := f.adapter.RemoveOrder(ctx, "abc")
	require.Equal(t, severity.Healthy, code)
	assert.Equal(t, "Canceled", removed.Status)
	assert.Equal(t, "abc", f.bodies[2]["orderID"])
}

func TestFaultMapping(t *testing.T) {
	cases := []struct {
		status  int
		message string
		want    severity.Code
	}{
		{http.StatusBadRequest, "Account has insufficient Available Balance, 10 XBt required", severity.InsufficientBalance},
		{http.StatusBadRequest, "Invalid orderQty", severity.BadRequest},
		{http.StatusUnauthorized, "Invalid API Key.", severity.InvalidCredentials},
		{http.StatusUnauthorized, "This request has expired", severity.Unauthorized},
		{http.StatusForbidden, "Access Denied", severity.InvalidCredentials},
		{http.StatusServiceUnavailable, "The system is currently overloaded", severity.Transport},
		{http.StatusTooManyRequests, "Rate limit exceeded, retry in 1 seconds.", severity.Transport},
	}
	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			f := newFixture(t, map[string]http.HandlerFunc{"/api/v1/order": fail(tc.status, tc.message)})
			ack, code := f.adapter.PlaceLimit(context.Background(), models.LimitOrder{
				Key: models.SymbolKey{Ticker: "XBTUSD"}, Side: models.Buy, Qty: 100, Price: 1,
			})
			assert.Nil(t, ack)
			assert.Equal(t, tc.want, code)
			require.Len(t, f.sink.msgs, 1)
			assert.True(t, strings.HasPrefix(f.sink.msgs[0].Message, "PlaceLimit - "))
		})
	}
}

func TestRemoveMissingOrderIsIgnored(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{"/api/v1/order": fail(http.StatusNotFound, "Not Found")})
	f.adapter.Market().SetSeverity(severity.Healthy)

	ack, code := f.adapter.RemoveOrder(context.Background(), "gone")
	assert.Nil(t, ack)
	assert.Equal(t, severity.Healthy, code)
	assert.Equal(t, severity.Healthy, f.adapter.Market().Severity())
	assert.Len(t, f.sink.msgs, 1)
}

func TestTradingHistory(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{
		"/api/v1/instrument/active": reply(instrumentsJSON),
		"/api/v1/execution/tradeHistory": reply(`[
			{"execID":"e2","symbol":"XBTUSD","side":"Sell","lastPx":65010,"lastQty":100,"transactTime":"2026-01-01T00:00:02.000Z","settlCurrency":"XBt"},
			{"execID":"e1","symbol":"XBTUSDT","side":"Buy","lastPx":65000,"lastQty":1000,"transactTime":"2026-01-01T00:00:01.000Z","settlCurrency":"USDt"}
		]`),
	})
	ctx := context.Background()

	_, _, err := f.adapter.TradingHistory(ctx, 10, time.Time{})
	assert.True(t, errors.Is(err, exchange.ErrMissingStartTime))
	assert.Empty(t, f.requests)

	require.Equal(t, severity.Healthy, f.adapter.DiscoverInstruments(ctx))
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	execs, code, err := f.adapter.TradingHistory(ctx, 10, start)
	require.NoError(t, err)
	require.Equal(t, severity.Healthy, code)
	require.Len(t, execs, 2)
	assert.Equal(t, "e1", execs[0].ExecID)
	assert.Equal(t, models.Linear, execs[0].Key.Category)
	assert.Equal(t, Name, execs[1].Market)
	assert.Equal(t, models.Inverse, execs[1].Key.Category)

	q := f.requests[1].URL.Query()
	assert.Equal(t, "10", q.Get("count"))
	assert.Equal(t, "2026-01-01T00:00:00.000Z", q.Get("startTime"))
}

func TestTradeBucketed(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{
		"/api/v1/trade/bucketed": reply(`[
			{"timestamp":"2026-01-01T00:02:00.000Z","open":2,"high":3,"low":1,"close":2.5,"volume":10},
			{"timestamp":"2026-01-01T00:01:00.000Z","open":1,"high":2,"low":1,"close":2,"volume":5}
		]`),
	})
	klines, code := f.adapter.TradeBucketed(context.Background(),
		models.SymbolKey{Ticker: "XBTUSD"}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "1m")
	require.Equal(t, severity.Healthy, code)
	require.Len(t, klines, 2)
	assert.True(t, klines[0].Time.Before(klines[1].Time))
	assert.Equal(t, "1m", f.requests[0].URL.Query().Get("binSize"))
}

func TestUrgentAnnouncement(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{
		"/api/v1/announcement/urgent": reply(`[{"id":7,"title":"Maintenance","content":"soon","date":"2026-01-01T00:00:00.000Z"}]`),
	})
	list, code := f.adapter.UrgentAnnouncement(context.Background())
	require.Equal(t, severity.Healthy, code)
	require.Len(t, list, 1)
	assert.Equal(t, "Maintenance", list[0].Title)
}

func TestActivateFundingRefreshesRates(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{
		"/api/v1/instrument/active": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("columns") != "" {
				reply(`[{"symbol":"XBTUSD","fundingRate":0.0005,"volume24h":2000,"state":"Open"}]`)(w, r)
				return
			}
			reply(instrumentsJSON)(w, r)
		},
	})
	ctx := context.Background()
	require.Equal(t, severity.Healthy, f.adapter.DiscoverInstruments(ctx))
	require.Equal(t, severity.Healthy, f.adapter.ActivateFunding(ctx))
	assert.True(t, f.adapter.FundingRunning())

	inst, _ := f.adapter.Market().Instruments.Get(models.SymbolKey{Ticker: "XBTUSD", Category: models.Inverse, Exchange: Name})
	assert.Equal(t, 0.0005, inst.FundingRate)
	assert.Equal(t, 2000.0, inst.Volume24h)

	f.adapter.StopFeed()
	assert.False(t, f.adapter.FundingRunning())
}

func TestFeedAppliesOrderBook(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan map[string]any, 1)
	f := newFixture(t, map[string]http.HandlerFunc{
		"/api/v1/instrument/active": reply(instrumentsJSON),
		"/realtime": func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			var sub map[string]any
			if err := conn.ReadJSON(&sub); err != nil {
				return
			}
			subscribed <- sub
			conn.WriteMessage(websocket.TextMessage, []byte(`{"success":true,"subscribe":"orderBook10:XBTUSD"}`))
			conn.WriteMessage(websocket.TextMessage, []byte(`{"table":"orderBook10","action":"partial","data":[
				{"symbol":"XBTUSD","bids":[[65000,1000],[64999.5,200]],"asks":[[65000.5,300]],"timestamp":"2026-01-01T00:00:00.000Z"}]}`))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		},
	})
	ctx := context.Background()
	require.Equal(t, severity.Healthy, f.adapter.DiscoverInstruments(ctx))
	require.Equal(t, severity.Healthy, f.adapter.StartFeed(ctx))

	sub := <-subscribed
	assert.Equal(t, "subscribe", sub["op"])
	assert.ElementsMatch(t, []any{"orderBook10:XBTUSD", "orderBook10:ETHUSD", "orderBook10:XBTUSDT"}, sub["args"])

	key := models.SymbolKey{Ticker: "XBTUSD", Category: models.Inverse, Exchange: Name}
	require.Eventually(t, func() bool {
		q, _ := f.adapter.Ticker(ctx)
		return q[key].BidPrice == 65000
	}, 2*time.Second, 10*time.Millisecond)

	quotes, code := f.adapter.Ticker(ctx)
	assert.Equal(t, severity.Healthy, code)
	assert.Equal(t, 65000.5, quotes[key].AskPrice)
	inst, _ := f.adapter.Market().Instruments.Get(key)
	assert.Len(t, inst.Bids, 2)

	f.adapter.StopFeed()
	assert.False(t, f.adapter.FeedAlive())
}

func TestFeedSubscriptionErrorIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.Market().SetSeverity(severity.Healthy)
	require.NoError(t, f.adapter.handle([]byte(`{"status":400,"error":"Unknown table: orderBook11"}`)))
	assert.Equal(t, severity.InvalidChannel, f.adapter.Market().Severity())
}

func TestFeedErrorFrameStatus(t *testing.T) {
	cases := map[string]struct {
		frame string
		want  severity.Code
	}{
		"rate limited":   {`{"status":429,"error":"Rate limit exceeded, retry in 1 seconds."}`, severity.Transport},
		"overloaded":     {`{"status":503,"error":"The system is currently overloaded."}`, severity.Transport},
		"not authorized": {`{"status":401,"error":"Not authorized."}`, severity.Unauthorized},
		"bad key":        {`{"status":401,"error":"Invalid API Key."}`, severity.InvalidCredentials},
		"forbidden":      {`{"status":403,"error":"Access denied."}`, severity.InvalidCredentials},
		"unknown table":  {`{"status":400,"error":"Unknown or expired table"}`, severity.InvalidChannel},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.adapter.Market().SetSeverity(severity.Healthy)
			require.NoError(t, f.adapter.handle([]byte(tc.frame)))
			assert.Equal(t, tc.want, f.adapter.Market().Severity())
		})
	}
}
