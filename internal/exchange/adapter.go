// Package exchange holds the uniform adapter contract, the per-exchange
// market connection state and the REST/WebSocket plumbing shared by the
// Bitmex, Bybit and Deribit adapters.
package exchange

import (
	"context"
	"errors"
	"time"

	"marketlink/internal/models"
	"marketlink/internal/severity"
)

var (
	// ErrMissingStartTime is returned by TradingHistory when no start time is given.
	ErrMissingStartTime = errors.New("trading history requires a start time")
	// ErrUnknownSymbol marks a configured symbol that discovery did not return.
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// Adapter is the operation surface every exchange implements. Methods never
// return raw exchange errors: faults are classified, raised on the Market and
// reported back as the call's severity code.
type Adapter interface {
	Name() string
	Market() *Market

	DiscoverInstruments(ctx context.Context) severity.Code
	ActivateFunding(ctx context.Context) severity.Code
	OpenOrders(ctx context.Context) ([]models.Order, severity.Code)
	StartFeed(ctx context.Context) severity.Code
	StopFeed()

	GetUser(ctx context.Context) (models.User, severity.Code)
	GetInstrument(ctx context.Context, symbol string, category models.Category) (models.Instrument, bool, severity.Code)
	GetPosition(ctx context.Context, key models.SymbolKey) (models.Position, severity.Code)
	TradeBucketed(ctx context.Context, key models.SymbolKey, start time.Time, timeframe string) ([]models.Kline, severity.Code)
	// TradingHistory returns ErrMissingStartTime, without calling the
	// exchange, when start is zero.
	TradingHistory(ctx context.Context, limit int, start time.Time) ([]models.Execution, severity.Code, error)

	PlaceLimit(ctx context.Context, order models.LimitOrder) (*models.OrderAck, severity.Code)
	ReplaceLimit(ctx context.Context, order models.ReplaceOrder) (*models.OrderAck, severity.Code)
	RemoveOrder(ctx context.Context, orderID string) (*models.OrderAck, severity.Code)

	GetWalletBalance(ctx context.Context) severity.Code
	GetPositionInfo(ctx context.Context) severity.Code
	Ticker(ctx context.Context) (map[models.SymbolKey]models.Quote, severity.Code)

	Close()
}
