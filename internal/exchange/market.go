package exchange

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	appconfig "marketlink/config"
	"marketlink/internal/models"
	"marketlink/internal/severity"
)

// Market is the live connection state of one exchange. It is created once
// by the registry factory and reused across reconnects.
type Market struct {
	name       string
	symbols    []models.SymbolKey
	categories []models.Category
	currencies []string
	divisors   map[string]float64

	severity atomic.Int32
	timeout  atomic.Bool
	trading  atomic.Bool

	userMu sync.RWMutex
	user   models.User

	Instruments *models.Table[models.SymbolKey, models.Instrument]
	Accounts    *models.Table[string, models.Account]
	Positions   *models.Table[models.SymbolKey, models.Position]
	Quotes      *models.Table[models.SymbolKey, models.Quote]
	// ticker -> category as last seen in discovery
	categoryOf *models.Table[string, models.Category]

	ordersMu sync.RWMutex
	orders   []models.Order
}

// MarketConfig is what a Market needs from configuration.
type MarketConfig struct {
	Name       string
	Symbols    []models.SymbolKey
	Categories []models.Category
	Currencies []string
	Divisors   map[string]float64
}

// MarketConfigFrom builds a MarketConfig from an exchanges.<name> section.
// Symbols with unknown categories are skipped; config validation rejects them.
func MarketConfigFrom(name string, ex appconfig.ExchangeConfig) MarketConfig {
	mc := MarketConfig{
		Name:       name,
		Currencies: append([]string(nil), ex.Currencies...),
		Divisors:   make(map[string]float64, len(ex.CurrencyDivisor)),
	}
	for _, s := range ex.Symbols {
		cat, err := models.ParseCategory(s.Category)
		if err != nil {
			continue
		}
		mc.Symbols = append(mc.Symbols, models.SymbolKey{Ticker: s.Symbol, Category: cat, Exchange: name})
	}
	for _, c := range ex.AllCategories() {
		if cat, err := models.ParseCategory(c); err == nil {
			mc.Categories = append(mc.Categories, cat)
		}
	}
	for k, v := range ex.CurrencyDivisor {
		mc.Divisors[k] = v
	}
	return mc
}

func NewMarket(cfg MarketConfig) *Market {
	m := &Market{
		name:        cfg.Name,
		symbols:     append([]models.SymbolKey(nil), cfg.Symbols...),
		categories:  append([]models.Category(nil), cfg.Categories...),
		currencies:  append([]string(nil), cfg.Currencies...),
		divisors:    cfg.Divisors,
		Instruments: models.NewTable[models.SymbolKey, models.Instrument](),
		Accounts:    models.NewTable[string, models.Account](),
		Positions:   models.NewTable[models.SymbolKey, models.Position](),
		Quotes:      models.NewTable[models.SymbolKey, models.Quote](),
		categoryOf:  models.NewTable[string, models.Category](),
	}
	if m.divisors == nil {
		m.divisors = map[string]float64{}
	}
	if len(m.categories) == 0 {
		seen := map[models.Category]bool{}
		for _, s := range m.symbols {
			if !seen[s.Category] {
				seen[s.Category] = true
				m.categories = append(m.categories, s.Category)
			}
		}
		sort.Slice(m.categories, func(i, j int) bool { return m.categories[i] < m.categories[j] })
	}
	m.severity.Store(int32(severity.NotConnected))
	return m
}

func (m *Market) Name() string { return m.name }

func (m *Market) Symbols() []models.SymbolKey {
	return append([]models.SymbolKey(nil), m.symbols...)
}

func (m *Market) Categories() []models.Category {
	return append([]models.Category(nil), m.categories...)
}

func (m *Market) Currencies() []string {
	return append([]string(nil), m.currencies...)
}

func (m *Market) Divisors() map[string]float64 {
	out := make(map[string]float64, len(m.divisors))
	for k, v := range m.divisors {
		out[k] = v
	}
	return out
}

func (m *Market) Severity() severity.Code {
	return severity.Code(m.severity.Load())
}

// SetSeverity overwrites the code. Only the controller resets this way.
func (m *Market) SetSeverity(code severity.Code) {
	m.severity.Store(int32(code))
}

func (m *Market) Raise(code severity.Code) severity.Code {
	for {
		cur := m.severity.Load()
		next := int32(severity.Max(severity.Code(cur), code))
		if next == cur || m.severity.CompareAndSwap(cur, next) {
			return severity.Code(next)
		}
	}
}

func (m *Market) ClearSentinel() {
	m.severity.CompareAndSwap(int32(severity.NotConnected), int32(severity.Healthy))
}

// TimedOut reports whether the live feed went silent.
func (m *Market) TimedOut() bool     { return m.timeout.Load() }
func (m *Market) SetTimedOut(v bool) { m.timeout.Store(v) }

func (m *Market) TradingEnabled() bool { return m.trading.Load() }
func (m *Market) SetTrading(v bool)    { m.trading.Store(v) }

func (m *Market) User() models.User {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	return m.user
}

func (m *Market) SetUser(u models.User) {
	m.userMu.Lock()
	m.user = u
	m.userMu.Unlock()
}

// PutInstrument stores inst and remembers its category for later decoration.
func (m *Market) PutInstrument(inst models.Instrument) {
	m.Instruments.Set(inst.Key, inst)
	m.categoryOf.Set(inst.Symbol, inst.Category)
}

// CategoryOf returns the category discovery assigned to ticker.
func (m *Market) CategoryOf(ticker string) (models.Category, bool) {
	return m.categoryOf.Get(ticker)
}

// KeyOf builds the composite key for ticker, falling back to the first
// configured category when discovery has not seen it.
func (m *Market) KeyOf(ticker string) models.SymbolKey {
	cat, ok := m.CategoryOf(ticker)
	if !ok {
		for _, s := range m.symbols {
			if strings.EqualFold(s.Ticker, ticker) {
				cat = s.Category
				break
			}
		}
	}
	return models.SymbolKey{Ticker: ticker, Category: cat, Exchange: m.name}
}

// MissingSymbols lists configured symbols absent from the instrument table.
func (m *Market) MissingSymbols() []models.SymbolKey {
	var missing []models.SymbolKey
	for _, s := range m.symbols {
		if _, ok := m.Instruments.Get(s); !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

func (m *Market) SetOrders(orders []models.Order) {
	m.ordersMu.Lock()
	m.orders = append([]models.Order(nil), orders...)
	m.ordersMu.Unlock()
}

func (m *Market) Orders() []models.Order {
	m.ordersMu.RLock()
	defer m.ordersMu.RUnlock()
	return append([]models.Order(nil), m.orders...)
}

// InstrumentList returns copies ordered by key.
func (m *Market) InstrumentList() []models.Instrument {
	list := m.Instruments.Values(func(a, b models.Instrument) bool { return a.Key.String() < b.Key.String() })
	for i := range list {
		list[i] = list[i].Clone()
	}
	return list
}

func (m *Market) AccountList() []models.Account {
	return m.Accounts.Values(func(a, b models.Account) bool { return a.Currency < b.Currency })
}

func (m *Market) PositionList() []models.Position {
	return m.Positions.Values(func(a, b models.Position) bool { return a.Key.String() < b.Key.String() })
}

// ApplyBook updates the best levels of a known instrument and its quote.
// Books for instruments discovery did not return are dropped.
func (m *Market) ApplyBook(key models.SymbolKey, bids, asks []models.BookLevel, at time.Time) bool {
	if _, ok := m.Instruments.Get(key); !ok {
		return false
	}
	m.Instruments.Update(key, func(inst models.Instrument, _ bool) models.Instrument {
		if len(bids) > 0 {
			inst.Bids = append([]models.BookLevel(nil), bids...)
		}
		if len(asks) > 0 {
			inst.Asks = append([]models.BookLevel(nil), asks...)
		}
		return inst
	})
	m.Quotes.Update(key, func(q models.Quote, _ bool) models.Quote {
		q.Key = key
		if len(bids) > 0 {
			q.BidPrice, q.BidSize = bids[0][0], bids[0][1]
		}
		if len(asks) > 0 {
			q.AskPrice, q.AskSize = asks[0][0], asks[0][1]
		}
		q.Time = at
		return q
	})
	return true
}

// Ticker returns the latest quote of every configured symbol. Symbols the
// feed has not reported yet carry zero prices.
func (m *Market) Ticker() map[models.SymbolKey]models.Quote {
	out := make(map[models.SymbolKey]models.Quote, len(m.symbols))
	for _, s := range m.symbols {
		q, ok := m.Quotes.Get(s)
		if !ok {
			q = models.Quote{Key: s}
		}
		out[s] = q
	}
	return out
}

// Reset drops per-session data before a reconnect. Instruments, user and
// flags other than timeout survive.
func (m *Market) Reset() {
	m.timeout.Store(false)
	m.Quotes.Replace(nil)
	m.SetOrders(nil)
}

// MirrorPosition copies position figures onto the instrument record.
func (m *Market) MirrorPosition(pos models.Position) {
	if _, ok := m.Instruments.Get(pos.Key); !ok {
		return
	}
	m.Instruments.Update(pos.Key, func(inst models.Instrument, _ bool) models.Instrument {
		inst.CurrentQty = pos.Qty
		inst.AvgEntryPrice = pos.EntryPrice
		inst.UnrealisedPnl = pos.UnrealisedPnl
		inst.MarginCall = pos.MarginCallPrice
		return inst
	})
}
