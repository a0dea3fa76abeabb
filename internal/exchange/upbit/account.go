package upbit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"tradebot/internal/exchange"
)

type accountItem struct {
	Currency    string `json:"currency"`
	Balance     string `json:"balance"`
	Locked      string `json:"locked"`
	AvgBuyPrice string `json:"avg_buy_price"`
}

// GetBalances — снимок счёта. Короткий кэш, чтобы конкурентные оценки
// рынков не долбили авторизованный endpoint.
func (c *Client) GetBalances(ctx context.Context) (map[string]exchange.Balance, error) {
	if balances, ok := c.balances.get("accounts"); ok {
		return balances, nil
	}

	var items []accountItem
	err := c.withRetry(ctx, func() error {
		return c.doRequest(ctx, http.MethodGet, "/v1/accounts", nil, true, &items)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: баланс", exchange.ErrUnavailable)
	}

	balances := make(map[string]exchange.Balance, len(items))
	for _, item := range items {
		available, _ := parseFloatOrZero(item.Balance)
		locked, _ := parseFloatOrZero(item.Locked)
		avgBuy, _ := parseFloatOrZero(item.AvgBuyPrice)
		balances[item.Currency] = exchange.Balance{
			Currency:    item.Currency,
			Available:   available,
			Locked:      locked,
			AvgBuyPrice: avgBuy,
		}
	}

	c.balances.put("accounts", balances)
	return balances, nil
}

func parseFloatOrZero(value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.ParseFloat(value, 64)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
