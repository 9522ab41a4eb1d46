package bybit

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/severity"
)

type orderRow struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	LeavesQty   string `json:"leavesQty"`
	OrderStatus string `json:"orderStatus"`
	OrderType   string `json:"orderType"`
	UpdatedTime string `json:"updatedTime"`
}

type executionRow struct {
	Symbol      string `json:"symbol"`
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Side        string `json:"side"`
	ExecType    string `json:"execType"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	LeavesQty   string `json:"leavesQty"`
	OrderPrice  string `json:"orderPrice"`
	ExecFee     string `json:"execFee"`
	ExecTime    string `json:"execTime"`
}

type orderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

func decimalString(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// OpenOrders pages through open orders per category and settle coin.
func (a *Adapter) OpenOrders(ctx context.Context) ([]models.Order, severity.Code) {
	market := a.Market()
	account := market.User().ID
	var orders []models.Order
	for _, category := range a.tradable() {
		for _, coin := range a.coins(category) {
			category, coin := category, coin
			code := a.Exec("OpenOrders", func() error {
				return paginate(ctx, a, openOrders, map[string]interface{}{
					"category":   string(category),
					"settleCoin": coin,
					"openOnly":   0,
					"limit":      orderPage,
				}, func(r orderRow) {
					orders = append(orders, models.Order{
						Key:           models.SymbolKey{Ticker: r.Symbol, Category: category, Exchange: market.Name()},
						OrderID:       r.OrderID,
						ClOrdID:       r.OrderLinkID,
						Side:          models.Side(r.Side),
						Qty:           exchange.Float(r.Qty),
						Price:         exchange.Float(r.Price),
						LeavesQty:     exchange.Float(r.LeavesQty),
						Status:        r.OrderStatus,
						Type:          r.OrderType,
						TransactTime:  exchange.FromMillis(r.UpdatedTime),
						Account:       account,
						SettlCurrency: coin,
					})
				})
			})
			if code != severity.Healthy {
				return nil, code
			}
		}
	}
	market.SetOrders(orders)
	return orders, severity.Healthy
}

func (a *Adapter) PlaceLimit(ctx context.Context, o models.LimitOrder) (*models.OrderAck, severity.Code) {
	linkID := o.ClOrdID
	if linkID == "" {
		linkID = exchange.NewClientOrderID("")
	}
	tif := "GTC"
	if o.PostOnly {
		tif = "PostOnly"
	}
	var res orderResult
	code := a.Exec("PlaceLimit", func() error {
		return a.call(ctx, placeOrder, map[string]interface{}{
			"category":    string(o.Key.Category),
			"symbol":      o.Key.Ticker,
			"side":        string(o.Side),
			"orderType":   "Limit",
			"qty":         decimalString(math.Abs(o.Qty)),
			"price":       decimalString(o.Price),
			"timeInForce": tif,
			"orderLinkId": linkID,
		}, &res)
	})
	if code != severity.Healthy {
		return nil, code
	}
	return &models.OrderAck{OrderID: res.OrderID, ClOrdID: res.OrderLinkID, Status: "New"}, severity.Healthy
}

func (a *Adapter) ReplaceLimit(ctx context.Context, o models.ReplaceOrder) (*models.OrderAck, severity.Code) {
	params := map[string]interface{}{
		"category": string(o.Key.Category),
		"symbol":   o.Key.Ticker,
		"qty":      decimalString(math.Abs(o.LeavesQty)),
		"price":    decimalString(o.Price),
	}
	if o.OrderID != "" {
		params["orderId"] = o.OrderID
	} else {
		params["orderLinkId"] = o.ClOrdID
	}
	var res orderResult
	code := a.Exec("ReplaceLimit", func() error {
		return a.call(ctx, amendOrder, params, &res)
	})
	if code != severity.Healthy {
		return nil, code
	}
	return &models.OrderAck{OrderID: res.OrderID, ClOrdID: res.OrderLinkID, Status: "Replaced"}, severity.Healthy
}

// RemoveOrder cancels an order known from the last OpenOrders call; Bybit
// needs its category and symbol.
func (a *Adapter) RemoveOrder(ctx context.Context, orderID string) (*models.OrderAck, severity.Code) {
	var key models.SymbolKey
	found := false
	for _, o := range a.Market().Orders() {
		if o.OrderID == orderID || o.ClOrdID == orderID {
			key, found = o.Key, true
			break
		}
	}
	if !found {
		return nil, a.Classifier().Fault(a.Market(), "RemoveOrder",
			&exchange.APIError{Exchange: a.Name(), Code: 110001, Message: "order not exists or too late to cancel: " + orderID})
	}
	var res orderResult
	code := a.Exec("RemoveOrder", func() error {
		return a.call(ctx, cancelOrder, map[string]interface{}{
			"category": string(key.Category),
			"symbol":   key.Ticker,
			"orderId":  orderID,
		}, &res)
	})
	if code != severity.Healthy {
		return nil, code
	}
	return &models.OrderAck{OrderID: res.OrderID, ClOrdID: res.OrderLinkID, Status: "Canceled"}, severity.Healthy
}

// TradingHistory merges executions of every category, at most 100 each,
// ordered by execution time.
func (a *Adapter) TradingHistory(ctx context.Context, limit int, start time.Time) ([]models.Execution, severity.Code, error) {
	if start.IsZero() {
		return nil, severity.Healthy, exchange.ErrMissingStartTime
	}
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	market := a.Market()
	var execs []models.Execution
	for _, category := range a.tradable() {
		var res page[executionRow]
		code := a.Exec("TradingHistory", func() error {
			return a.call(ctx, executionList, map[string]interface{}{
				"category":  string(category),
				"limit":     limit,
				"startTime": millis(start),
			}, &res)
		})
		if code != severity.Healthy {
			return nil, code, nil
		}
		for _, r := range res.List {
			key := models.SymbolKey{Ticker: r.Symbol, Category: category, Exchange: market.Name()}
			var settl string
			if inst, ok := market.Instruments.Get(key); ok {
				settl = inst.SettlCurrency
			}
			execs = append(execs, models.Execution{
				Key:           key,
				Market:        market.Name(),
				ExecID:        r.ExecID,
				OrderID:       r.OrderID,
				ClOrdID:       r.OrderLinkID,
				Side:          models.Side(r.Side),
				ExecType:      r.ExecType,
				LastPx:        exchange.Float(r.ExecPrice),
				LastQty:       exchange.Float(r.ExecQty),
				LeavesQty:     exchange.Float(r.LeavesQty),
				Price:         exchange.Float(r.OrderPrice),
				Commission:    exchange.Float(r.ExecFee),
				TransactTime:  exchange.FromMillis(r.ExecTime),
				SettlCurrency: settl,
			})
		}
	}
	sort.SliceStable(execs, func(i, j int) bool { return execs[i].TransactTime.Before(execs[j].TransactTime) })
	return execs, severity.Healthy, nil
}

func sortKlines(klines []models.Kline) {
	sort.SliceStable(klines, func(i, j int) bool { return klines[i].Time.Before(klines[j].Time) })
}
