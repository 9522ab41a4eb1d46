package bitmex

import (
	"context"
	"net/url"

	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/severity"
)

type positionRow struct {
	Symbol           string  `json:"symbol"`
	Currency         string  `json:"currency"`
	CurrentQty       float64 `json:"currentQty"`
	AvgEntryPrice    float64 `json:"avgEntryPrice"`
	UnrealisedPnl    float64 `json:"unrealisedPnl"`
	MarginCallPrice  float64 `json:"marginCallPrice"`
	LiquidationPrice float64 `json:"liquidationPrice"`
	IsOpen           bool    `json:"isOpen"`
}

func (r positionRow) position(key models.SymbolKey) models.Position {
	marginCall := r.MarginCallPrice
	if marginCall == 0 {
		marginCall = r.LiquidationPrice
	}
	state := "closed"
	if r.IsOpen {
		state = "open"
	}
	return models.Position{
		Key:             key,
		Qty:             r.CurrentQty,
		EntryPrice:      r.AvgEntryPrice,
		UnrealisedPnl:   r.UnrealisedPnl,
		MarginCallPrice: marginCall,
		State:           state,
	}
}

type marginRow struct {
	Currency           string   `json:"currency"`
	WalletBalance      *float64 `json:"walletBalance"`
	UnrealisedPnl      *float64 `json:"unrealisedPnl"`
	MarginBalance      *float64 `json:"marginBalance"`
	AvailableMargin    *float64 `json:"availableMargin"`
	WithdrawableMargin *float64 `json:"withdrawableMargin"`
}

func (a *Adapter) GetUser(ctx context.Context) (models.User, severity.Code) {
	var raw map[string]any
	code := a.Exec("GetUser", func() error {
		return a.get(ctx, "/user", nil, true, &raw)
	})
	if code != severity.Healthy {
		return models.User{}, code
	}
	id, ok := raw["id"]
	if !ok || exchange.String(id) == "" {
		return models.User{}, a.Report("GetUser", severity.MissingUserID, "user id not found in account info")
	}
	user := models.User{ID: exchange.String(id), Raw: raw}
	a.Market().SetUser(user)
	return user, severity.Healthy
}

// GetWalletBalance fills the account table. Configured currencies the
// exchange does not report keep empty balances.
func (a *Adapter) GetWalletBalance(ctx context.Context) severity.Code {
	var rows []marginRow
	code := a.Exec("GetWalletBalance", func() error {
		return a.get(ctx, "/user/margin", url.Values{"currency": {"all"}}, true, &rows)
	})
	if code != severity.Healthy {
		return code
	}
	accounts := make(map[string]models.Account, len(rows))
	for _, c := range a.Market().Currencies() {
		accounts[c] = models.Placeholder(c)
	}
	for _, r := range rows {
		accounts[r.Currency] = models.Account{
			Currency:           r.Currency,
			WalletBalance:      r.WalletBalance,
			UnrealisedPnl:      r.UnrealisedPnl,
			MarginBalance:      r.MarginBalance,
			AvailableMargin:    r.AvailableMargin,
			WithdrawableMargin: r.WithdrawableMargin,
		}
	}
	a.Market().Accounts.Replace(accounts)
	return severity.Healthy
}

// GetPositionInfo refreshes positions of every configured symbol and mirrors
// them onto the instrument records.
func (a *Adapter) GetPositionInfo(ctx context.Context) severity.Code {
	var rows []positionRow
	code := a.Exec("GetPositionInfo", func() error {
		return a.get(ctx, "/position", nil, true, &rows)
	})
	if code != severity.Healthy {
		return code
	}
	market := a.Market()
	bySymbol := make(map[string]positionRow, len(rows))
	for _, r := range rows {
		bySymbol[r.Symbol] = r
	}
	positions := make(map[models.SymbolKey]models.Position)
	for _, key := range market.Symbols() {
		pos := bySymbol[key.Ticker].position(key)
		positions[key] = pos
		a.Market().MirrorPosition(pos)
	}
	market.Positions.Replace(positions)
	return severity.Healthy
}

// GetPosition fetches one position. A symbol without a position yields a
// zero row.
func (a *Adapter) GetPosition(ctx context.Context, key models.SymbolKey) (models.Position, severity.Code) {
	var rows []positionRow
	code := a.Exec("GetPosition", func() error {
		return a.get(ctx, "/position", url.Values{
			"filter": {filter(map[string]any{"symbol": key.Ticker})},
		}, true, &rows)
	})
	if code != severity.Healthy {
		return models.Position{Key: key}, code
	}
	var row positionRow
	if len(rows) > 0 {
		row = rows[0]
	}
	pos := row.position(key)
	a.Market().Positions.Set(key, pos)
	a.Market().MirrorPosition(pos)
	return pos, severity.Healthy
}
