// Package fake provides an in-memory market. It answers every operation
// from local state and can be scripted to fail, which makes it the test
// double for the controller and the status API and a dry-run market.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appconfig "marketlink/config"
	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/notify"
	"marketlink/internal/severity"
)

const Name = "Fake"

// Operation names accepted by Fail.
const (
	OpDiscoverInstruments = "DiscoverInstruments"
	OpActivateFunding     = "ActivateFunding"
	OpOpenOrders          = "OpenOrders"
	OpStartFeed           = "StartFeed"
	OpGetUser             = "GetUser"
	OpGetWalletBalance    = "GetWalletBalance"
	OpGetPositionInfo     = "GetPositionInfo"
	OpTicker              = "Ticker"
	OpPlaceLimit          = "PlaceLimit"
)

var _ exchange.Adapter = (*Adapter)(nil)

type Adapter struct {
	*exchange.Session

	mu       sync.Mutex
	failures map[string]severity.Code
	calls    map[string]int
	unlisted map[string]bool
	orders   map[string]models.Order
	alive    bool
	seq      int
}

// New builds a fake adapter over market. sink may be nil.
func New(market *exchange.Market, sink notify.Sink) *Adapter {
	return &Adapter{
		Session:  exchange.NewSession(market, appconfig.ExchangeConfig{}, nil, sink),
		failures: make(map[string]severity.Code),
		calls:    make(map[string]int),
		unlisted: make(map[string]bool),
		orders:   make(map[string]models.Order),
	}
}

// NewMarket builds a fake market with one inverse and one linear symbol.
func NewMarket(name string) *exchange.Market {
	return exchange.NewMarket(exchange.MarketConfig{
		Name: name,
		Symbols: []models.SymbolKey{
			{Ticker: "XBTUSD", Category: models.Inverse, Exchange: name},
			{Ticker: "XBTUSDT", Category: models.Linear, Exchange: name},
		},
		Currencies: []string{"XBT", "USDT"},
	})
}

// Fail makes op report code on every later call until Recover.
func (a *Adapter) Fail(op string, code severity.Code) {
	a.mu.Lock()
	a.failures[op] = code
	a.mu.Unlock()
}

func (a *Adapter) Recover(op string) {
	a.mu.Lock()
	delete(a.failures, op)
	a.mu.Unlock()
}

// Unlist hides symbol from discovery.
func (a *Adapter) Unlist(symbol string) {
	a.mu.Lock()
	a.unlisted[symbol] = true
	a.mu.Unlock()
}

// Calls counts invocations of op.
func (a *Adapter) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// enter records the call and reports a scripted failure, if any.
func (a *Adapter) enter(op string) severity.Code {
	a.mu.Lock()
	a.calls[op]++
	code, failing := a.failures[op]
	a.mu.Unlock()
	if !failing {
		a.Market().ClearSentinel()
		return severity.Healthy
	}
	return a.Report(op, code, fmt.Sprintf("scripted failure %d", code))
}

func (a *Adapter) DiscoverInstruments(ctx context.Context) severity.Code {
	if code := a.enter(OpDiscoverInstruments); code != severity.Healthy {
		return code
	}
	market := a.Market()
	a.mu.Lock()
	unlisted := make(map[string]bool, len(a.unlisted))
	for k := range a.unlisted {
		unlisted[k] = true
	}
	a.mu.Unlock()
	for _, key := range market.Symbols() {
		if unlisted[key.Ticker] {
			continue
		}
		market.PutInstrument(instrument(key))
	}
	if missing := market.MissingSymbols(); len(missing) > 0 {
		return a.Report(OpDiscoverInstruments, severity.UnknownSymbol,
			fmt.Sprintf("%v %s", exchange.ErrUnknownSymbol, missing[0]))
	}
	return severity.Healthy
}

func instrument(key models.SymbolKey) models.Instrument {
	return models.Instrument{
		Key:           key,
		Symbol:        key.Ticker,
		Category:      key.Category,
		Exchange:      key.Exchange,
		SettlCurrency: "XBT",
		Multiplier:    1,
		MyMultiplier:  1,
		TickSize:      0.5,
		MinOrderQty:   1,
		State:         "Open",
		Bids:          models.EmptyBook(),
		Asks:          models.EmptyBook(),
	}
}

func (a *Adapter) ActivateFunding(ctx context.Context) severity.Code {
	return a.StartFunding(ctx, func(context.Context) severity.Code {
		return a.enter(OpActivateFunding)
	})
}

func (a *Adapter) OpenOrders(ctx context.Context) ([]models.Order, severity.Code) {
	if code := a.enter(OpOpenOrders); code != severity.Healthy {
		return nil, code
	}
	a.mu.Lock()
	orders := make([]models.Order, 0, len(a.orders))
	for _, o := range a.orders {
		orders = append(orders, o)
	}
	a.mu.Unlock()
	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderID < orders[j].OrderID })
	a.Market().SetOrders(orders)
	return orders, severity.Healthy
}

// StartFeed marks the feed alive and quotes every instrument at 100/101.
func (a *Adapter) StartFeed(ctx context.Context) severity.Code {
	if code := a.enter(OpStartFeed); code != severity.Healthy {
		return code
	}
	a.mu.Lock()
	a.alive = true
	a.mu.Unlock()
	market := a.Market()
	for _, key := range market.Symbols() {
		market.ApplyBook(key, []models.BookLevel{{100, 1}}, []models.BookLevel{{101, 1}}, time.Now().UTC())
	}
	return severity.Healthy
}

func (a *Adapter) StopFeed() {
	a.mu.Lock()
	a.alive = false
	a.mu.Unlock()
	a.Session.StopFeed()
}

func (a *Adapter) FeedAlive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alive
}

func (a *Adapter) GetUser(ctx context.Context) (models.User, severity.Code) {
	if code := a.enter(OpGetUser); code != severity.Healthy {
		return models.User{}, code
	}
	user := models.User{ID: "1"}
	a.Market().SetUser(user)
	return user, severity.Healthy
}

func (a *Adapter) GetInstrument(ctx context.Context, symbol string, category models.Category) (models.Instrument, bool, severity.Code) {
	key := models.SymbolKey{Ticker: symbol, Category: category, Exchange: a.Name()}
	inst, ok := a.Market().Instruments.Get(key)
	return inst, ok, severity.Healthy
}

func (a *Adapter) GetPosition(ctx context.Context, key models.SymbolKey) (models.Position, severity.Code) {
	pos, ok := a.Market().Positions.Get(key)
	if !ok {
		pos = models.Position{Key: key}
	}
	return pos, severity.Healthy
}

func (a *Adapter) TradeBucketed(ctx context.Context, key models.SymbolKey, start time.Time, timeframe string) ([]models.Kline, severity.Code) {
	return nil, severity.Healthy
}

func (a *Adapter) TradingHistory(ctx context.Context, limit int, start time.Time) ([]models.Execution, severity.Code, error) {
	if start.IsZero() {
		return nil, severity.Healthy, exchange.ErrMissingStartTime
	}
	return nil, severity.Healthy, nil
}

// PlaceLimit rests the order locally.
func (a *Adapter) PlaceLimit(ctx context.Context, o models.LimitOrder) (*models.OrderAck, severity.Code) {
	if code := a.enter(OpPlaceLimit); code != severity.Healthy {
		return nil, code
	}
	a.mu.Lock()
	a.seq++
	id := fmt.Sprintf("fake-%d", a.seq)
	a.orders[id] = models.Order{
		Key: o.Key, OrderID: id, ClOrdID: o.ClOrdID, Side: o.Side, Qty: o.Qty, Price: o.Price,
		LeavesQty: o.Qty, Status: "New", Type: "Limit", TransactTime: time.Now().UTC(),
	}
	a.mu.Unlock()
	return &models.OrderAck{OrderID: id, ClOrdID: o.ClOrdID, Status: "New"}, severity.Healthy
}

func (a *Adapter) ReplaceLimit(ctx context.Context, o models.ReplaceOrder) (*models.OrderAck, severity.Code) {
	a.mu.Lock()
	defer a.mu.Unlock()
	order, ok := a.orders[o.OrderID]
	if !ok {
		return nil, severity.Healthy
	}
	order.LeavesQty, order.Price = o.LeavesQty, o.Price
	a.orders[o.OrderID] = order
	return &models.OrderAck{OrderID: order.OrderID, ClOrdID: order.ClOrdID, Status: "Replaced"}, severity.Healthy
}

func (a *Adapter) RemoveOrder(ctx context.Context, orderID string) (*models.OrderAck, severity.Code) {
	a.mu.Lock()
	defer a.mu.Unlock()
	order, ok := a.orders[orderID]
	if !ok {
		return nil, severity.Healthy
	}
	delete(a.orders, orderID)
	return &models.OrderAck{OrderID: order.OrderID, ClOrdID: order.ClOrdID, Status: "Canceled"}, severity.Healthy
}

func (a *Adapter) GetWalletBalance(ctx context.Context) severity.Code {
	if code := a.enter(OpGetWalletBalance); code != severity.Healthy {
		return code
	}
	accounts := make(map[string]models.Account)
	for _, c := range a.Market().Currencies() {
		accounts[c] = models.Account{Currency: c, WalletBalance: models.Float(1), MarginBalance: models.Float(1)}
	}
	a.Market().Accounts.Replace(accounts)
	return severity.Healthy
}

func (a *Adapter) GetPositionInfo(ctx context.Context) severity.Code {
	if code := a.enter(OpGetPositionInfo); code != severity.Healthy {
		return code
	}
	positions := make(map[models.SymbolKey]models.Position)
	for _, key := range a.Market().Symbols() {
		positions[key] = models.Position{Key: key}
	}
	a.Market().Positions.Replace(positions)
	return severity.Healthy
}

func (a *Adapter) Ticker(ctx context.Context) (map[models.SymbolKey]models.Quote, severity.Code) {
	if code := a.enter(OpTicker); code != severity.Healthy {
		return nil, code
	}
	return a.Market().Ticker(), severity.Healthy
}

func (a *Adapter) Close() {
	a.StopFeed()
	a.Session.Close()
}
