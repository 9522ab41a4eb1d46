// Package bybit implements the exchange adapter for Bybit v5 unified trading
// accounts on top of the official bybit.go.api SDK.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appconfig "marketlink/config"
	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/notify"
	"marketlink/logger"
)

const (
	Name = "Bybit"

	instrumentPage = 1000
	orderPage      = 50
	positionPage   = 200
	maxHistory     = 100
)

var _ exchange.Adapter = (*Adapter)(nil)

// Adapter talks to one Bybit unified account.
type Adapter struct {
	*exchange.Session
	request requester
	limiter *rate.Limiter
	wsURL   string

	mu          sync.RWMutex
	settleCoins map[models.Category][]string
}

func New(market *exchange.Market, cfg appconfig.ExchangeConfig, key, secret string, sink notify.Sink) *Adapter {
	return newAdapter(market, cfg, newSDKRequester(cfg, key, secret), sink)
}

func newAdapter(market *exchange.Market, cfg appconfig.ExchangeConfig, req requester, sink notify.Sink) *Adapter {
	return &Adapter{
		Session:     exchange.NewSession(market, cfg, Classify, sink),
		request:     req,
		limiter:     exchange.NewLimiter(cfg.RateLimit),
		wsURL:       strings.TrimRight(cfg.WsURL, "/"),
		settleCoins: make(map[models.Category][]string),
	}
}

type page[T any] struct {
	Category       string `json:"category"`
	List           []T    `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

// call runs one SDK request and decodes result into out. A non-zero retCode
// becomes an APIError.
func (a *Adapter) call(ctx context.Context, ep endpoint, params map[string]interface{}, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	resp, err := a.request(ctx, ep, params)
	logger.LogPerformanceEntry(a.Log(), "bybit_rest", string(ep), time.Since(start), nil)
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("bybit %s: empty response", ep)
	}
	if resp.RetCode != 0 {
		return &exchange.APIError{Exchange: a.Name(), Code: resp.RetCode, Message: resp.RetMsg}
	}
	if out == nil || resp.Result == nil {
		return nil
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// paginate walks a cursor paginated endpoint until the cursor is empty.
func paginate[T any](ctx context.Context, a *Adapter, ep endpoint, params map[string]interface{}, visit func(T)) error {
	cursor := ""
	for {
		p := make(map[string]interface{}, len(params)+1)
		for k, v := range params {
			p[k] = v
		}
		if cursor != "" {
			p["cursor"] = cursor
		}
		var res page[T]
		if err := a.call(ctx, ep, p, &res); err != nil {
			return err
		}
		for _, item := range res.List {
			visit(item)
		}
		if res.NextPageCursor == "" || res.NextPageCursor == cursor || len(res.List) == 0 {
			return nil
		}
		cursor = res.NextPageCursor
	}
}

// tradable lists the configured categories Bybit serves.
func (a *Adapter) tradable() []models.Category {
	var out []models.Category
	for _, c := range a.Market().Categories() {
		if c == models.Linear || c == models.Inverse {
			out = append(out, c)
		}
	}
	return out
}

// coins returns settle coins seen in category, limited to the configured
// currencies when there are any.
func (a *Adapter) coins(category models.Category) []string {
	a.mu.RLock()
	seen := append([]string(nil), a.settleCoins[category]...)
	a.mu.RUnlock()

	currencies := a.Market().Currencies()
	if len(currencies) == 0 {
		return seen
	}
	allowed := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		allowed[c] = true
	}
	var out []string
	for _, c := range seen {
		if allowed[c] {
			out = append(out, c)
		}
	}
	return out
}

func (a *Adapter) rememberCoins(coins map[models.Category]map[string]bool) {
	next := make(map[models.Category][]string, len(coins))
	for cat, set := range coins {
		for c := range set {
			next[cat] = append(next[cat], c)
		}
		sort.Strings(next[cat])
	}
	a.mu.Lock()
	a.settleCoins = next
	a.mu.Unlock()
}

func millis(t time.Time) int64 { return t.UnixMilli() }
