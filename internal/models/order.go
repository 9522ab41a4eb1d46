package models

import "time"

type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// Order is a resting order as reported by the exchange.
type Order struct {
	Key           SymbolKey `json:"key"`
	OrderID       string    `json:"order_id"`
	ClOrdID       string    `json:"cl_ord_id"`
	Side          Side      `json:"side"`
	Qty           float64   `json:"qty"`
	Price         float64   `json:"price"`
	LeavesQty     float64   `json:"leaves_qty"`
	Status        string    `json:"status"`
	Type          string    `json:"type"`
	TransactTime  time.Time `json:"transact_time"`
	Account       string    `json:"account"`
	SettlCurrency string    `json:"settl_currency"`
}

// Execution is one trading history row decorated with its market.
type Execution struct {
	Key           SymbolKey `json:"key"`
	Market        string    `json:"market"`
	ExecID        string    `json:"exec_id"`
	OrderID       string    `json:"order_id"`
	ClOrdID       string    `json:"cl_ord_id"`
	Side          Side      `json:"side"`
	ExecType      string    `json:"exec_type"`
	LastPx        float64   `json:"last_px"`
	LastQty       float64   `json:"last_qty"`
	LeavesQty     float64   `json:"leaves_qty"`
	Price         float64   `json:"price"`
	Commission    float64   `json:"commission"`
	TransactTime  time.Time `json:"transact_time"`
	SettlCurrency string    `json:"settl_currency"`
}

// LimitOrder is a new limit order request.
type LimitOrder struct {
	Key      SymbolKey
	Side     Side
	Qty      float64
	Price    float64
	ClOrdID  string
	PostOnly bool
}

// ReplaceOrder amends quantity and price of a resting order.
type ReplaceOrder struct {
	Key       SymbolKey
	OrderID   string
	ClOrdID   string
	LeavesQty float64
	Price     float64
}

// OrderAck is the exchange acknowledgement of an order request.
type OrderAck struct {
	OrderID string         `json:"order_id"`
	ClOrdID string         `json:"cl_ord_id"`
	Status  string         `json:"status"`
	Raw     map[string]any `json:"raw,omitempty"`
}
