package bybit

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/severity"
)

type streamMessage struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

type bookData struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
}

func levels(rows [][2]string) []models.BookLevel {
	out := make([]models.BookLevel, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.BookLevel{exchange.Float(r[0]), exchange.Float(r[1])})
	}
	return out
}

// StartFeed opens one public stream per category and subscribes to the
// top of book of every configured symbol.
func (a *Adapter) StartFeed(ctx context.Context) severity.Code {
	topics := make(map[models.Category][]string)
	for _, s := range a.Market().Symbols() {
		topics[s.Category] = append(topics[s.Category], "orderbook.1."+s.Ticker)
	}
	var cfgs []exchange.FeedConfig
	for _, category := range a.tradable() {
		args := topics[category]
		if len(args) == 0 {
			continue
		}
		category := category
		cfgs = append(cfgs, exchange.FeedConfig{
			URL: a.wsURL + "/" + string(category),
			Subscribe: func(c *exchange.FeedConn) error {
				return c.WriteJSON(map[string]any{"op": "subscribe", "args": args, "req_id": uuid.NewString()})
			},
			Ping: func(c *exchange.FeedConn) error {
				return c.WriteJSON(map[string]any{"op": "ping", "req_id": uuid.NewString()})
			},
			Handle: func(msg []byte) error { return a.handle(category, msg) },
		})
	}
	return a.RunFeed(ctx, cfgs...)
}

func (a *Adapter) handle(category models.Category, msg []byte) error {
	var m streamMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return err
	}
	if m.Op == "subscribe" && m.Success != nil && !*m.Success {
		a.Report("Feed", severity.InvalidChannel, m.RetMsg)
		return nil
	}
	if !strings.HasPrefix(m.Topic, "orderbook.") || len(m.Data) == 0 {
		return nil
	}
	var d bookData
	if err := json.Unmarshal(m.Data, &d); err != nil {
		return err
	}
	market := a.Market()
	key := models.SymbolKey{Ticker: d.Symbol, Category: category, Exchange: market.Name()}
	market.ApplyBook(key, levels(d.Bids), levels(d.Asks), exchange.FromMillis(m.Ts))
	return nil
}
