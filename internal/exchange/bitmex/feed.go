package bitmex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/severity"
)

type tableMessage struct {
	Table  string          `json:"table"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`

	Success   *bool  `json:"success"`
	Subscribe string `json:"subscribe"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
}

type bookRow struct {
	Symbol    string             `json:"symbol"`
	Bids      []models.BookLevel `json:"bids"`
	Asks      []models.BookLevel `json:"asks"`
	Timestamp time.Time          `json:"timestamp"`
}

func (a *Adapter) topics() []string {
	symbols := a.Market().Symbols()
	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "orderBook10:"+s.Ticker)
	}
	return args
}

// StartFeed subscribes to orderBook10 for every configured symbol.
func (a *Adapter) StartFeed(ctx context.Context) severity.Code {
	return a.RunFeed(ctx, exchange.FeedConfig{
		URL: a.wsURL,
		Subscribe: func(c *exchange.FeedConn) error {
			return c.WriteJSON(map[string]any{"op": "subscribe", "args": a.topics()})
		},
		Ping:   func(c *exchange.FeedConn) error { return c.WriteText("ping") },
		Handle: a.handle,
	})
}

func (a *Adapter) handle(msg []byte) error {
	if string(msg) == "pong" {
		return nil
	}
	var m tableMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return err
	}
	if m.Error != "" {
		a.Report("Feed", feedErrorCode(m.Status, m.Error), fmt.Sprintf("status %d: %s", m.Status, m.Error))
		return nil
	}
	if m.Table != "orderBook10" || len(m.Data) == 0 {
		return nil
	}
	var rows []bookRow
	if err := json.Unmarshal(m.Data, &rows); err != nil {
		return err
	}
	market := a.Market()
	for _, r := range rows {
		market.ApplyBook(market.KeyOf(r.Symbol), r.Bids, r.Asks, r.Timestamp.UTC())
	}
	return nil
}
