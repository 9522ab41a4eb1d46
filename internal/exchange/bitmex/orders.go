package bitmex

import (
	"context"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/severity"
)

type orderRow struct {
	OrderID       string    `json:"orderID"`
	ClOrdID       string    `json:"clOrdID"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	OrderQty      float64   `json:"orderQty"`
	Price         float64   `json:"price"`
	LeavesQty     float64   `json:"leavesQty"`
	OrdStatus     string    `json:"ordStatus"`
	OrdType       string    `json:"ordType"`
	TransactTime  time.Time `json:"transactTime"`
	Account       float64   `json:"account"`
	SettlCurrency string    `json:"settlCurrency"`
}

type executionRow struct {
	ExecID        string    `json:"execID"`
	OrderID       string    `json:"orderID"`
	ClOrdID       string    `json:"clOrdID"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	ExecType      string    `json:"execType"`
	LastPx        float64   `json:"lastPx"`
	LastQty       float64   `json:"lastQty"`
	LeavesQty     float64   `json:"leavesQty"`
	Price         float64   `json:"price"`
	Commission    float64   `json:"commission"`
	TransactTime  time.Time `json:"transactTime"`
	SettlCurrency string    `json:"settlCurrency"`
}

type bucketRow struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Announcement is one urgent public notice of the exchange.
type Announcement struct {
	ID      int64     `json:"id"`
	Link    string    `json:"link"`
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Date    time.Time `json:"date"`
}

func (a *Adapter) order(r orderRow) models.Order {
	return models.Order{
		Key:           a.Market().KeyOf(r.Symbol),
		OrderID:       r.OrderID,
		ClOrdID:       r.ClOrdID,
		Side:          models.Side(r.Side),
		Qty:           r.OrderQty,
		Price:         r.Price,
		LeavesQty:     r.LeavesQty,
		Status:        r.OrdStatus,
		Type:          r.OrdType,
		TransactTime:  r.TransactTime.UTC(),
		Account:       strconv.FormatFloat(r.Account, 'f', -1, 64),
		SettlCurrency: r.SettlCurrency,
	}
}

// OpenOrders pages through open orders until a short page.
func (a *Adapter) OpenOrders(ctx context.Context) ([]models.Order, severity.Code) {
	var orders []models.Order
	code := a.Exec("OpenOrders", func() error {
		for start := 0; ; start += pageSize {
			var page []orderRow
			err := a.get(ctx, "/order", url.Values{
				"filter":  {filter(map[string]any{"open": true})},
				"count":   {strconv.Itoa(pageSize)},
				"start":   {strconv.Itoa(start)},
				"reverse": {"false"},
			}, true, &page)
			if err != nil {
				return err
			}
			for _, r := range page {
				orders = append(orders, a.order(r))
			}
			if len(page) < pageSize {
				return nil
			}
		}
	})
	if code != severity.Healthy {
		return nil, code
	}
	a.Market().SetOrders(orders)
	return orders, severity.Healthy
}

func ack(raw map[string]any) *models.OrderAck {
	return &models.OrderAck{
		OrderID: exchange.String(raw["orderID"]),
		ClOrdID: exchange.String(raw["clOrdID"]),
		Status:  exchange.String(raw["ordStatus"]),
		Raw:     raw,
	}
}

func (a *Adapter) PlaceLimit(ctx context.Context, o models.LimitOrder) (*models.OrderAck, severity.Code) {
	clOrdID := o.ClOrdID
	if clOrdID == "" {
		clOrdID = exchange.NewClientOrderID("")
	}
	body := map[string]any{
		"symbol":   o.Key.Ticker,
		"side":     string(o.Side),
		"orderQty": number(math.Abs(o.Qty)),
		"price":    number(o.Price),
		"clOrdID":  clOrdID,
		"ordType":  "Limit",
	}
	if o.PostOnly {
		body["execInst"] = "ParticipateDoNotInitiate"
	}
	var raw map[string]any
	code := a.Exec("PlaceLimit", func() error {
		return a.send(ctx, http.MethodPost, "/order", body, &raw)
	})
	if code != severity.Healthy || raw == nil {
		return nil, code
	}
	return ack(raw), severity.Healthy
}

func (a *Adapter) ReplaceLimit(ctx context.Context, o models.ReplaceOrder) (*models.OrderAck, severity.Code) {
	body := map[string]any{
		"symbol":    o.Key.Ticker,
		"price":     number(o.Price),
		"leavesQty": number(math.Abs(o.LeavesQty)),
		"ordType":   "Limit",
	}
	if o.OrderID != "" {
		body["orderID"] = o.OrderID
	} else {
		body["origClOrdID"] = o.ClOrdID
	}
	var raw map[string]any
	code := a.Exec("ReplaceLimit", func() error {
		return a.send(ctx, http.MethodPut, "/order", body, &raw)
	})
	if code != severity.Healthy || raw == nil {
		return nil, code
	}
	return ack(raw), severity.Healthy
}

// RemoveOrder cancels one order. BitMEX answers with a list of the affected
// orders.
func (a *Adapter) RemoveOrder(ctx context.Context, orderID string) (*models.OrderAck, severity.Code) {
	var rows []map[string]any
	code := a.Exec("RemoveOrder", func() error {
		return a.send(ctx, http.MethodDelete, "/order", map[string]any{"orderID": orderID}, &rows)
	})
	if code != severity.Healthy || len(rows) == 0 {
		return nil, code
	}
	return ack(rows[0]), severity.Healthy
}

// TradeBucketed returns completed candles from start. timeframe is one of
// 1m, 5m, 1h or 1d.
func (a *Adapter) TradeBucketed(ctx context.Context, key models.SymbolKey, start time.Time, timeframe string) ([]models.Kline, severity.Code) {
	var rows []bucketRow
	code := a.Exec("TradeBucketed", func() error {
		return a.get(ctx, "/trade/bucketed", url.Values{
			"binSize":   {timeframe},
			"partial":   {"false"},
			"symbol":    {key.Ticker},
			"startTime": {timeParam(start)},
			"count":     {"1000"},
			"reverse":   {"false"},
		}, false, &rows)
	})
	if code != severity.Healthy {
		return nil, code
	}
	klines := make([]models.Kline, 0, len(rows))
	for _, r := range rows {
		klines = append(klines, models.Kline{
			Time: r.Timestamp.UTC(), Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume,
		})
	}
	sort.SliceStable(klines, func(i, j int) bool { return klines[i].Time.Before(klines[j].Time) })
	return klines, severity.Healthy
}

func (a *Adapter) TradingHistory(ctx context.Context, limit int, start time.Time) ([]models.Execution, severity.Code, error) {
	if start.IsZero() {
		return nil, severity.Healthy, exchange.ErrMissingStartTime
	}
	var rows []executionRow
	code := a.Exec("TradingHistory", func() error {
		return a.get(ctx, "/execution/tradeHistory", url.Values{
			"count":     {strconv.Itoa(limit)},
			"reverse":   {"false"},
			"startTime": {timeParam(start)},
		}, true, &rows)
	})
	if code != severity.Healthy {
		return nil, code, nil
	}
	market := a.Market()
	execs := make([]models.Execution, 0, len(rows))
	for _, r := range rows {
		execs = append(execs, models.Execution{
			Key:           market.KeyOf(r.Symbol),
			Market:        market.Name(),
			ExecID:        r.ExecID,
			OrderID:       r.OrderID,
			ClOrdID:       r.ClOrdID,
			Side:          models.Side(r.Side),
			ExecType:      r.ExecType,
			LastPx:        r.LastPx,
			LastQty:       r.LastQty,
			LeavesQty:     r.LeavesQty,
			Price:         r.Price,
			Commission:    r.Commission,
			TransactTime:  r.TransactTime.UTC(),
			SettlCurrency: r.SettlCurrency,
		})
	}
	sort.SliceStable(execs, func(i, j int) bool { return execs[i].TransactTime.Before(execs[j].TransactTime) })
	return execs, severity.Healthy, nil
}

// UrgentAnnouncement returns the exchange's urgent public announcements.
func (a *Adapter) UrgentAnnouncement(ctx context.Context) ([]Announcement, severity.Code) {
	var rows []Announcement
	code := a.Exec("UrgentAnnouncement", func() error {
		return a.get(ctx, "/announcement/urgent", nil, true, &rows)
	})
	return rows, code
}
