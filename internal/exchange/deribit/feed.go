package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/severity"
)

const subscribeID = 1

type rpcMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Params struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

type bookData struct {
	InstrumentName string             `json:"instrument_name"`
	Timestamp      int64              `json:"timestamp"`
	Bids           []models.BookLevel `json:"bids"`
	Asks           []models.BookLevel `json:"asks"`
}

func (a *Adapter) channels() []string {
	symbols := a.Market().Symbols()
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, "book."+s.Ticker+".none.1.100ms")
	}
	return out
}

// StartFeed subscribes to the top of book of every configured symbol.
// Keepalive is a public/test call.
func (a *Adapter) StartFeed(ctx context.Context) severity.Code {
	var seq atomic.Int64
	seq.Store(subscribeID)
	channels := a.channels()
	return a.RunFeed(ctx, exchange.FeedConfig{
		URL: a.wsURL,
		Subscribe: func(c *exchange.FeedConn) error {
			return c.WriteJSON(map[string]any{
				"jsonrpc": "2.0",
				"id":      subscribeID,
				"method":  "public/subscribe",
				"params":  map[string]any{"channels": channels},
			})
		},
		Ping: func(c *exchange.FeedConn) error {
			return c.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": seq.Add(1), "method": "public/test"})
		},
		Handle: func(msg []byte) error { return a.handle(channels, msg) },
	})
}

func (a *Adapter) handle(requested []string, msg []byte) error {
	var m rpcMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return err
	}
	if m.ID != nil && *m.ID == subscribeID {
		return a.subscribed(requested, m)
	}
	if m.Method != "subscription" || !strings.HasPrefix(m.Params.Channel, "book.") {
		return nil
	}
	var d bookData
	if err := json.Unmarshal(m.Params.Data, &d); err != nil {
		return err
	}
	market := a.Market()
	market.ApplyBook(market.KeyOf(d.InstrumentName), d.Bids, d.Asks, exchange.FromMillis(d.Timestamp))
	return nil
}

// subscribed checks the subscription answer. Deribit silently leaves out
// channels it does not know.
func (a *Adapter) subscribed(requested []string, m rpcMessage) error {
	if m.Error != nil {
		a.Report("Feed", severity.InvalidChannel, m.Error.apiError(0).Error())
		return nil
	}
	var got []string
	if err := json.Unmarshal(m.Result, &got); err != nil {
		return err
	}
	ok := make(map[string]bool, len(got))
	for _, c := range got {
		ok[c] = true
	}
	for _, c := range requested {
		if !ok[c] {
			a.Report("Feed", severity.InvalidChannel, fmt.Sprintf("channel %s was not subscribed", c))
			return nil
		}
	}
	return nil
}
