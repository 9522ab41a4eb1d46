package deribit

import (
	"context"
	"math"
	"net/url"
	"sort"
	"strconv"
	"time"

	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/severity"
)

type orderRow struct {
	OrderID             string  `json:"order_id"`
	Label               string  `json:"label"`
	InstrumentName      string  `json:"instrument_name"`
	Direction           string  `json:"direction"`
	Amount              float64 `json:"amount"`
	Price               float64 `json:"price"`
	FilledAmount        float64 `json:"filled_amount"`
	OrderState          string  `json:"order_state"`
	OrderType           string  `json:"order_type"`
	LastUpdateTimestamp int64   `json:"last_update_timestamp"`
}

func (r orderRow) ack() *models.OrderAck {
	return &models.OrderAck{OrderID: r.OrderID, ClOrdID: r.Label, Status: r.OrderState}
}

type orderResult struct {
	Order orderRow `json:"order"`
}

type tradeRow struct {
	TradeID        string  `json:"trade_id"`
	OrderID        string  `json:"order_id"`
	Label          string  `json:"label"`
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	Price          float64 `json:"price"`
	Amount         float64 `json:"amount"`
	Fee            float64 `json:"fee"`
	FeeCurrency    string  `json:"fee_currency"`
	Timestamp      int64   `json:"timestamp"`
}

type tradesResult struct {
	Trades  []tradeRow `json:"trades"`
	HasMore bool       `json:"has_more"`
}

func side(direction string) models.Side {
	if direction == "sell" {
		return models.Sell
	}
	return models.Buy
}

func (a *Adapter) settlCurrency(key models.SymbolKey) string {
	if inst, ok := a.Market().Instruments.Get(key); ok {
		return inst.SettlCurrency
	}
	return ""
}

func (a *Adapter) OpenOrders(ctx context.Context) ([]models.Order, severity.Code) {
	var rows []orderRow
	code := a.Exec("OpenOrders", func() error {
		var err error
		rows, err = call[[]orderRow](ctx, a, "private/get_open_orders", url.Values{"kind": {kindFuture}})
		return err
	})
	if code != severity.Healthy {
		return nil, code
	}
	market := a.Market()
	account := market.User().ID
	orders := make([]models.Order, 0, len(rows))
	for _, r := range rows {
		key := market.KeyOf(r.InstrumentName)
		orders = append(orders, models.Order{
			Key:           key,
			OrderID:       r.OrderID,
			ClOrdID:       r.Label,
			Side:          side(r.Direction),
			Qty:           r.Amount,
			Price:         r.Price,
			LeavesQty:     r.Amount - r.FilledAmount,
			Status:        r.OrderState,
			Type:          r.OrderType,
			TransactTime:  exchange.FromMillis(r.LastUpdateTimestamp),
			Account:       account,
			SettlCurrency: a.settlCurrency(key),
		})
	}
	market.SetOrders(orders)
	return orders, severity.Healthy
}

func (a *Adapter) PlaceLimit(ctx context.Context, o models.LimitOrder) (*models.OrderAck, severity.Code) {
	label := o.ClOrdID
	if label == "" {
		label = exchange.NewClientOrderID("")
	}
	method := "private/buy"
	if o.Side == models.Sell {
		method = "private/sell"
	}
	params := url.Values{
		"instrument_name": {o.Key.Ticker},
		"amount":          {amount(math.Abs(o.Qty))},
		"type":            {"limit"},
		"price":           {amount(o.Price)},
		"label":           {label},
	}
	if o.PostOnly {
		params.Set("post_only", "true")
	}
	var res orderResult
	code := a.Exec("PlaceLimit", func() error {
		var err error
		res, err = call[orderResult](ctx, a, method, params)
		return err
	})
	if code != severity.Healthy {
		return nil, code
	}
	return res.Order.ack(), severity.Healthy
}

// ReplaceLimit edits by order id, or by label when only the client id is
// known.
func (a *Adapter) ReplaceLimit(ctx context.Context, o models.ReplaceOrder) (*models.OrderAck, severity.Code) {
	method := "private/edit"
	params := url.Values{
		"amount": {amount(math.Abs(o.LeavesQty))},
		"price":  {amount(o.Price)},
	}
	if o.OrderID != "" {
		params.Set("order_id", o.OrderID)
	} else {
		method = "private/edit_by_label"
		params.Set("label", o.ClOrdID)
		params.Set("instrument_name", o.Key.Ticker)
	}
	var res orderResult
	code := a.Exec("ReplaceLimit", func() error {
		var err error
		res, err = call[orderResult](ctx, a, method, params)
		return err
	})
	if code != severity.Healthy {
		return nil, code
	}
	return res.Order.ack(), severity.Healthy
}

func (a *Adapter) RemoveOrder(ctx context.Context, orderID string) (*models.OrderAck, severity.Code) {
	var res orderRow
	code := a.Exec("RemoveOrder", func() error {
		var err error
		res, err = call[orderRow](ctx, a, "private/cancel", url.Values{"order_id": {orderID}})
		return err
	})
	if code != severity.Healthy || res.OrderID == "" {
		return nil, code
	}
	return res.ack(), severity.Healthy
}

// TradingHistory reads own trades from start until now, oldest first.
func (a *Adapter) TradingHistory(ctx context.Context, limit int, start time.Time) ([]models.Execution, severity.Code, error) {
	if start.IsZero() {
		return nil, severity.Healthy, exchange.ErrMissingStartTime
	}
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	var res tradesResult
	code := a.Exec("TradingHistory", func() error {
		var err error
		res, err = call[tradesResult](ctx, a, "private/get_user_trades_by_currency_and_time", url.Values{
			"currency":        {anyCurrency},
			"kind":            {kindFuture},
			"start_timestamp": {strconv.FormatInt(start.UnixMilli(), 10)},
			"end_timestamp":   {strconv.FormatInt(a.now().UnixMilli(), 10)},
			"count":           {strconv.Itoa(limit)},
			"sorting":         {"asc"},
		})
		return err
	})
	if code != severity.Healthy {
		return nil, code, nil
	}
	market := a.Market()
	execs := make([]models.Execution, 0, len(res.Trades))
	for _, t := range res.Trades {
		key := market.KeyOf(t.InstrumentName)
		settl := a.settlCurrency(key)
		if settl == "" {
			settl = t.FeeCurrency
		}
		execs = append(execs, models.Execution{
			Key:           key,
			Market:        market.Name(),
			ExecID:        t.TradeID,
			OrderID:       t.OrderID,
			ClOrdID:       t.Label,
			Side:          side(t.Direction),
			ExecType:      "Trade",
			LastPx:        t.Price,
			LastQty:       t.Amount,
			Price:         t.Price,
			Commission:    t.Fee,
			TransactTime:  exchange.FromMillis(t.Timestamp),
			SettlCurrency: settl,
		})
	}
	sort.SliceStable(execs, func(i, j int) bool { return execs[i].TransactTime.Before(execs[j].TransactTime) })
	return execs, severity.Healthy, nil
}

func sortKlines(klines []models.Kline) {
	sort.SliceStable(klines, func(i, j int) bool { return klines[i].Time.Before(klines[j].Time) })
}
