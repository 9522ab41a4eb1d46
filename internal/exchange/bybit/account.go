package bybit

import (
	"context"

	"marketlink/internal/exchange"
	"marketlink/internal/models"
	"marketlink/internal/severity"
)

type positionRow struct {
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Size           string `json:"size"`
	AvgPrice       string `json:"avgPrice"`
	UnrealisedPnl  string `json:"unrealisedPnl"`
	LiqPrice       string `json:"liqPrice"`
	PositionStatus string `json:"positionStatus"`
}

func (r positionRow) position(key models.SymbolKey) models.Position {
	qty := exchange.Float(r.Size)
	if r.Side == string(models.Sell) {
		qty = -qty
	}
	return models.Position{
		Key:             key,
		Qty:             qty,
		EntryPrice:      exchange.Float(r.AvgPrice),
		UnrealisedPnl:   exchange.Float(r.UnrealisedPnl),
		MarginCallPrice: exchange.Float(r.LiqPrice),
		State:           r.PositionStatus,
	}
}

type coinRow struct {
	Coin                string `json:"coin"`
	WalletBalance       string `json:"walletBalance"`
	UnrealisedPnl       string `json:"unrealisedPnl"`
	Equity              string `json:"equity"`
	AvailableToWithdraw string `json:"availableToWithdraw"`
}

type walletRow struct {
	AccountType string    `json:"accountType"`
	Coin        []coinRow `json:"coin"`
}

// GetUser reads the uid from the API key info. The id sits at different
// depths depending on the key type, so it is searched for.
func (a *Adapter) GetUser(ctx context.Context) (models.User, severity.Code) {
	var raw map[string]any
	code := a.Exec("GetUser", func() error {
		return a.call(ctx, apiKeyInfo, map[string]interface{}{}, &raw)
	})
	if code != severity.Healthy {
		return models.User{}, code
	}
	var id string
	for _, key := range []string{"uid", "userID"} {
		if v, ok := exchange.FindValueByKey(raw, key); ok {
			if id = exchange.String(v); id != "" && id != "0" {
				break
			}
		}
	}
	if id == "" || id == "0" {
		return models.User{}, a.Report("GetUser", severity.MissingUserID,
			"A user ID was requested from the exchange but was not received")
	}
	user := models.User{ID: id, Raw: raw}
	a.Market().SetUser(user)
	return user, severity.Healthy
}

// GetWalletBalance reads the UNIFIED account. Configured currencies the
// account does not hold keep empty balances.
func (a *Adapter) GetWalletBalance(ctx context.Context) severity.Code {
	var res page[walletRow]
	code := a.Exec("GetWalletBalance", func() error {
		return a.call(ctx, walletBalance, map[string]interface{}{"accountType": "UNIFIED"}, &res)
	})
	if code != severity.Healthy {
		return code
	}
	accounts := make(map[string]models.Account)
	for _, c := range a.Market().Currencies() {
		accounts[c] = models.Placeholder(c)
	}
	for _, w := range res.List {
		if w.AccountType != "UNIFIED" {
			continue
		}
		for _, c := range w.Coin {
			accounts[c.Coin] = models.Account{
				Currency:           c.Coin,
				WalletBalance:      models.Float(exchange.Float(c.WalletBalance)),
				UnrealisedPnl:      models.Float(exchange.Float(c.UnrealisedPnl)),
				MarginBalance:      models.Float(exchange.Float(c.Equity)),
				AvailableMargin:    models.Float(exchange.Float(c.AvailableToWithdraw)),
				WithdrawableMargin: models.Float(exchange.Float(c.AvailableToWithdraw)),
			}
		}
		break
	}
	a.Market().Accounts.Replace(accounts)
	return severity.Healthy
}

// GetPositionInfo pages through positions per category and settle coin.
// Only configured symbols are kept; those without a position get a zero row.
func (a *Adapter) GetPositionInfo(ctx context.Context) severity.Code {
	market := a.Market()
	positions := make(map[models.SymbolKey]models.Position)
	for _, key := range market.Symbols() {
		positions[key] = models.Position{Key: key}
	}
	for _, category := range a.tradable() {
		for _, coin := range a.coins(category) {
			category, coin := category, coin
			code := a.Exec("GetPositionInfo", func() error {
				return paginate(ctx, a, positionList, map[string]interface{}{
					"category":   string(category),
					"settleCoin": coin,
					"limit":      positionPage,
				}, func(row positionRow) {
					key := models.SymbolKey{Ticker: row.Symbol, Category: category, Exchange: market.Name()}
					if _, ok := positions[key]; ok {
						positions[key] = row.position(key)
					}
				})
			})
			if code != severity.Healthy {
				return code
			}
		}
	}
	market.Positions.Replace(positions)
	for _, pos := range positions {
		a.Market().MirrorPosition(pos)
	}
	return severity.Healthy
}

func (a *Adapter) GetPosition(ctx context.Context, key models.SymbolKey) (models.Position, severity.Code) {
	var res page[positionRow]
	code := a.Exec("GetPosition", func() error {
		return a.call(ctx, positionList, map[string]interface{}{
			"category": string(key.Category),
			"symbol":   key.Ticker,
		}, &res)
	})
	if code != severity.Healthy {
		return models.Position{Key: key}, code
	}
	var row positionRow
	if len(res.List) > 0 {
		row = res.List[0]
	}
	pos := row.position(key)
	a.Market().Positions.Set(key, pos)
	a.Market().MirrorPosition(pos)
	return pos, severity.Healthy
}
