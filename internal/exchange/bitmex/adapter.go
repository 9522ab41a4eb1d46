// Package bitmex implements the exchange adapter for BitMEX over its REST API
// and the public orderBook10 websocket table.
package bitmex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	appconfig "marketlink/config"
	"marketlink/internal/exchange"
	"marketlink/internal/notify"
)

const (
	Name = "Bitmex"

	signatureTTL = time.Minute
	pageSize     = 500
)

var _ exchange.Adapter = (*Adapter)(nil)

// Adapter talks to one BitMEX account.
type Adapter struct {
	*exchange.Session
	rest  *exchange.RESTClient
	wsURL string
}

// New builds the adapter for market. key and secret may be empty for
// public use; private calls then fail with an authentication fault.
func New(market *exchange.Market, cfg appconfig.ExchangeConfig, key, secret string, sink notify.Sink) *Adapter {
	return &Adapter{
		Session: exchange.NewSession(market, cfg, Classify, sink),
		rest:    exchange.NewRESTClient(market.Name(), cfg, signer(key, secret, time.Now), decodeError),
		wsURL:   cfg.WsURL,
	}
}

// signer signs verb + path + expires + body with the API secret.
func signer(key, secret string, now func() time.Time) exchange.Signer {
	return func(req *http.Request, body []byte) error {
		expires := strconv.FormatInt(now().Add(signatureTTL).Unix(), 10)
		req.Header.Set("api-expires", expires)
		req.Header.Set("api-key", key)
		req.Header.Set("api-signature", sign(secret, req.Method, req.URL.RequestURI(), expires, body))
		return nil
	}
}

func sign(secret, verb, path, expires string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(verb + path + expires))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) get(ctx context.Context, path string, query url.Values, private bool, out any) error {
	return a.rest.Do(ctx, exchange.Request{Method: http.MethodGet, Path: path, Query: query, Private: private}, out)
}

func (a *Adapter) send(ctx context.Context, method, path string, body any, out any) error {
	return a.rest.Do(ctx, exchange.Request{Method: method, Path: path, Body: body, Private: true}, out)
}

func filter(v map[string]any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// number renders v without binary float noise in JSON payloads.
func number(v float64) json.Number {
	return json.Number(decimal.NewFromFloat(v).String())
}

func timeParam(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
