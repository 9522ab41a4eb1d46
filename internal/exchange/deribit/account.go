package deribit

import (
	"context"
	"net/url"

	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/severity"
)

type currencySummary struct {
	Currency                 string  `json:"currency"`
	Balance                  float64 `json:"balance"`
	SessionUPL               float64 `json:"session_upl"`
	Equity                   float64 `json:"equity"`
	MarginBalance            float64 `json:"margin_balance"`
	AvailableFunds           float64 `json:"available_funds"`
	AvailableWithdrawalFunds float64 `json:"available_withdrawal_funds"`
}

type accountSummaries struct {
	ID        int64             `json:"id"`
	Username  string            `json:"username"`
	Summaries []currencySummary `json:"summaries"`
}

type positionRow struct {
	InstrumentName            string  `json:"instrument_name"`
	Kind                      string  `json:"kind"`
	Direction                 string  `json:"direction"`
	Size                      float64 `json:"size"`
	AveragePrice              float64 `json:"average_price"`
	FloatingProfitLoss        float64 `json:"floating_profit_loss"`
	EstimatedLiquidationPrice float64 `json:"estimated_liquidation_price"`
}

// position keeps Deribit's signed size: negative for short.
func (r positionRow) position(key models.SymbolKey) models.Position {
	return models.Position{
		Key:             key,
		Qty:             r.Size,
		EntryPrice:      r.AveragePrice,
		UnrealisedPnl:   r.FloatingProfitLoss,
		MarginCallPrice: r.EstimatedLiquidationPrice,
		State:           r.Direction,
	}
}

func (a *Adapter) GetUser(ctx context.Context) (models.User, severity.Code) {
	var raw map[string]any
	code := a.Exec("GetUser", func() error {
		var err error
		raw, err = call[map[string]any](ctx, a, "private/get_account_summaries", url.Values{"extended": {"true"}})
		return err
	})
	if code != severity.Healthy {
		return models.User{}, code
	}
	var id string
	if v, ok := exchange.FindValueByKey(raw, "id"); ok {
		id = exchange.String(v)
	}
	if id == "" || id == "0" {
		return models.User{}, a.Report("GetUser", severity.MissingUserID,
			"A user ID was requested from the exchange but was not received")
	}
	user := models.User{ID: id, Raw: raw}
	a.Market().SetUser(user)
	return user, severity.Healthy
}

// GetWalletBalance stores one account per currency summary. Configured
// currencies missing from the answer keep empty balances.
func (a *Adapter) GetWalletBalance(ctx context.Context) severity.Code {
	var res accountSummaries
	code := a.Exec("GetWalletBalance", func() error {
		var err error
		res, err = call[accountSummaries](ctx, a, "private/get_account_summaries", nil)
		return err
	})
	if code != severity.Healthy {
		return code
	}
	accounts := make(map[string]models.Account)
	for _, c := range a.Market().Currencies() {
		accounts[c] = models.Placeholder(c)
	}
	for _, s := range res.Summaries {
		accounts[s.Currency] = models.Account{
			Currency:           s.Currency,
			WalletBalance:      models.Float(s.Balance),
			UnrealisedPnl:      models.Float(s.SessionUPL),
			MarginBalance:      models.Float(s.MarginBalance),
			AvailableMargin:    models.Float(s.AvailableFunds),
			WithdrawableMargin: models.Float(s.AvailableWithdrawalFunds),
		}
	}
	a.Market().Accounts.Replace(accounts)
	return severity.Healthy
}

// GetPositionInfo keeps configured symbols only; those without a position
// get a zero row.
func (a *Adapter) GetPositionInfo(ctx context.Context) severity.Code {
	var rows []positionRow
	code := a.Exec("GetPositionInfo", func() error {
		var err error
		rows, err = call[[]positionRow](ctx, a, "private/get_positions", url.Values{
			"currency": {anyCurrency},
			"kind":     {kindFuture},
		})
		return err
	})
	if code != severity.Healthy {
		return code
	}
	market := a.Market()
	positions := make(map[models.SymbolKey]models.Position)
	for _, key := range market.Symbols() {
		positions[key] = models.Position{Key: key}
	}
	for _, r := range rows {
		key := market.KeyOf(r.InstrumentName)
		if _, ok := positions[key]; ok {
			positions[key] = r.position(key)
		}
	}
	market.Positions.Replace(positions)
	for _, pos := range positions {
		market.MirrorPosition(pos)
	}
	return severity.Healthy
}

func (a *Adapter) GetPosition(ctx context.Context, key models.SymbolKey) (models.Position, severity.Code) {
	var row positionRow
	code := a.Exec("GetPosition", func() error {
		var err error
		row, err = call[positionRow](ctx, a, "private/get_position", url.Values{"instrument_name": {key.Ticker}})
		return err
	})
	if code != severity.Healthy {
		return models.Position{Key: key}, code
	}
	pos := row.position(key)
	a.Market().Positions.Set(key, pos)
	a.Market().MirrorPosition(pos)
	return pos, severity.Healthy
}
