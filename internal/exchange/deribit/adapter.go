// Package deribit implements the exchange adapter for Deribit futures over
// its JSON-RPC HTTP API and the public book websocket channels.
package deribit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	appconfig "marketlink/config"
	"marketlink/internal/exchange"
	"marketlink/internal/notify"
)

const (
	Name = "Deribit"

	kindFuture  = "future"
	anyCurrency = "any"
	maxHistory  = 1000
)

var _ exchange.Adapter = (*Adapter)(nil)

// Adapter talks to one Deribit account.
type Adapter struct {
	*exchange.Session
	rest   *exchange.RESTClient
	tokens *tokenSource
	wsURL  string
	now    func() time.Time
}

// New builds the adapter for market. clientID and secret are the API key
// pair used for the client_credentials grant.
func New(market *exchange.Market, cfg appconfig.ExchangeConfig, clientID, secret string, sink notify.Sink) *Adapter {
	tokens := &tokenSource{clientID: clientID, secret: secret, now: time.Now}
	rest := exchange.NewRESTClient(market.Name(), cfg, tokens.sign, decodeError)
	tokens.rest = rest
	return &Adapter{
		Session: exchange.NewSession(market, cfg, Classify, sink),
		rest:    rest,
		tokens:  tokens,
		wsURL:   cfg.WsURL,
		now:     time.Now,
	}
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *rpcError) apiError(status int) *exchange.APIError {
	msg := e.Message
	var data struct {
		Reason string `json:"reason"`
		Param  string `json:"param"`
	}
	if len(e.Data) > 0 && json.Unmarshal(e.Data, &data) == nil {
		switch {
		case data.Reason != "" && data.Param != "":
			msg += ": " + data.Param + " " + data.Reason
		case data.Reason != "":
			msg += ": " + data.Reason
		}
	}
	return &exchange.APIError{Exchange: Name, Status: status, Code: e.Code, Message: msg}
}

// envelope is the JSON-RPC response wrapper.
type envelope[T any] struct {
	Result T         `json:"result"`
	Error  *rpcError `json:"error"`
}

// call invokes one JSON-RPC method over HTTP GET. Methods under private/
// carry the bearer token.
func call[T any](ctx context.Context, a *Adapter, method string, params url.Values) (T, error) {
	var env envelope[T]
	err := a.rest.Do(ctx, exchange.Request{
		Method:  http.MethodGet,
		Path:    "/" + method,
		Query:   params,
		Private: strings.HasPrefix(method, "private/"),
	}, &env)
	if err == nil && env.Error != nil {
		err = env.Error.apiError(http.StatusOK)
	}
	if isTokenRejected(err) {
		a.tokens.reset()
	}
	return env.Result, err
}

func amount(v float64) string {
	return decimal.NewFromFloat(v).String()
}
