package bybit

import (
	"context"
	"fmt"

	bybit "github.com/bybit-exchange/bybit.go.api"

	appconfig "marketlink/config"
	"marketlink/internal/exchange"
)

// endpoint names one v5 REST call of the SDK.
type endpoint string

const (
	instrumentsInfo endpoint = "/v5/market/instruments-info"
	marketTickers   endpoint = "/v5/market/tickers"
	marketKline     endpoint = "/v5/market/kline"
	apiKeyInfo      endpoint = "/v5/user/query-api"
	openOrders      endpoint = "/v5/order/realtime"
	placeOrder      endpoint = "/v5/order/create"
	amendOrder      endpoint = "/v5/order/amend"
	cancelOrder     endpoint = "/v5/order/cancel"
	executionList   endpoint = "/v5/execution/list"
	positionList    endpoint = "/v5/position/list"
	walletBalance   endpoint = "/v5/account/wallet-balance"
)

// requester performs one SDK call. Tests replace it.
type requester func(ctx context.Context, ep endpoint, params map[string]interface{}) (*bybit.ServerResponse, error)

func newSDKRequester(cfg appconfig.ExchangeConfig, key, secret string) requester {
	client := bybit.NewBybitHttpClient(key, secret, bybit.WithBaseURL(cfg.RestURL))
	client.HTTPClient = exchange.NewHTTPClient(cfg)

	return func(ctx context.Context, ep endpoint, params map[string]interface{}) (*bybit.ServerResponse, error) {
		svc := client.NewUtaBybitServiceWithParams(params)
		switch ep {
		case instrumentsInfo:
			return svc.GetInstrumentInfo(ctx)
		case marketTickers:
			return svc.GetMarketTickers(ctx)
		case marketKline:
			return svc.GetMarketKline(ctx)
		case apiKeyInfo:
			return svc.GetAPIKeyInfo(ctx)
		case openOrders:
			return svc.GetOpenOrders(ctx)
		case placeOrder:
			return svc.PlaceOrder(ctx)
		case amendOrder:
			return svc.AmendOrder(ctx)
		case cancelOrder:
			return svc.CancelOrder(ctx)
		case executionList:
			return svc.GetTradeHistory(ctx)
		case positionList:
			return svc.GetPositionList(ctx)
		case walletBalance:
			return svc.GetAccountWallet(ctx)
		}
		return nil, fmt.Errorf("bybit: unsupported endpoint %s", ep)
	}
}
