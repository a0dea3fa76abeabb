package upbit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradebot/internal/exchange"
	"tradebot/internal/models"
)

type tickerItem struct {
	Market          string  `json:"market"`
	TradePrice      float64 `json:"trade_price"`
	AccTradePrice24 float64 `json:"acc_trade_price_24h"`
	Timestamp       int64   `json:"timestamp"`
}

type candleItem struct {
	Market       string  `json:"market"`
	TimestampMs  int64   `json:"timestamp"`
	OpeningPrice float64 `json:"opening_price"`
	HighPrice    float64 `json:"high_price"`
	LowPrice     float64 `json:"low_price"`
	TradePrice   float64 `json:"trade_price"`
	AccVolume    float64 `json:"candle_acc_trade_volume"`
}

type marketItem struct {
	Market string `json:"market"`
}

// GetCurrentPrice возвращает последнюю цену сделки. Кэш на секунду гасит
// всплески от конкурентных оценок; после исчерпания попыток возвращается
// ErrPriceUnavailable — для вызывающего это "пропустить цикл", не ноль.
func (c *Client) GetCurrentPrice(ctx context.Context, market string) (float64, error) {
	if price, ok := c.prices.get(market); ok {
		return price, nil
	}

	params := url.Values{}
	params.Set("markets", market)

	var items []tickerItem
	err := c.withRetry(ctx, func() error {
		return c.doRequest(ctx, http.MethodGet, "/v1/ticker", params, false, &items)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s", exchange.ErrPriceUnavailable, market)
	}
	if len(items) == 0 {
		return 0, fmt.Errorf("%w: %s", exchange.ErrPriceUnavailable, market)
	}

	price := items[0].TradePrice
	c.prices.put(market, price)
	return price, nil
}

// GetCandles — серия свечей, старые первыми. interval в форме
// "minutes/15", "days" и т.п.
func (c *Client) GetCandles(ctx context.Context, market string, interval string, count int) ([]models.Candle, error) {
	cacheKey := fmt.Sprintf("%s|%s|%d", market, interval, count)
	if candles, ok := c.candles.get(cacheKey); ok {
		return candles, nil
	}

	params := url.Values{}
	params.Set("market", market)
	params.Set("count", strconv.Itoa(count))

	var items []candleItem
	err := c.withRetry(ctx, func() error {
		return c.doRequest(ctx, http.MethodGet, "/v1/candles/"+interval, params, false, &items)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: свечи %s", exchange.ErrUnavailable, market)
	}

	// Биржа отдаёт свечи новыми вперёд.
	candles := make([]models.Candle, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		candles = append(candles, models.Candle{
			Market:    item.Market,
			Timestamp: time.UnixMilli(item.TimestampMs),
			Open:      item.OpeningPrice,
			High:      item.HighPrice,
			Low:       item.LowPrice,
			Close:     item.TradePrice,
			Volume:    item.AccVolume,
		})
	}

	c.candles.put(cacheKey, candles)
	return candles, nil
}

// GetMarkets возвращает рынки с котировкой quote и их суточный оборот.
func (c *Client) GetMarkets(ctx context.Context, quote string) ([]exchange.MarketInfo, error) {
	var all []marketItem
	err := c.withRetry(ctx, func() error {
		return c.doRequest(ctx, http.MethodGet, "/v1/market/all", nil, false, &all)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: список рынков", exchange.ErrUnavailable)
	}

	prefix := quote + "-"
	codes := make([]string, 0, len(all))
	for _, item := range all {
		if strings.HasPrefix(item.Market, prefix) {
			codes = append(codes, item.Market)
		}
	}
	if len(codes) == 0 {
		return nil, nil
	}

	params := url.Values{}
	params.Set("markets", strings.Join(codes, ","))

	var tickers []tickerItem
	err = c.withRetry(ctx, func() error {
		return c.doRequest(ctx, http.MethodGet, "/v1/ticker", params, false, &tickers)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: обороты рынков", exchange.ErrUnavailable)
	}

	infos := make([]exchange.MarketInfo, 0, len(tickers))
	for _, t := range tickers {
		infos = append(infos, exchange.MarketInfo{
			Market:         t.Market,
			QuoteVolume24h: t.AccTradePrice24,
		})
	}
	return infos, nil
}
