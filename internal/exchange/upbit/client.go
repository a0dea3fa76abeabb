package upbit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"tradebot/internal/exchange"
	"tradebot/internal/exchange/upbit/ws"
	"tradebot/internal/logger"
	"tradebot/internal/models"
)

const (
	minRequestInterval = 100 * time.Millisecond
	retryAttempts      = 3
	retryDelay         = 500 * time.Millisecond

	priceCacheTTL   = 1 * time.Second
	candleCacheTTL  = 60 * time.Second
	candleCacheCap  = 100
	balanceCacheTTL = 3 * time.Second
)

type Client struct {
	baseURL   string
	wsURL     string
	accessKey string
	secretKey string

	httpClient *http.Client
	log        *logger.Logger

	gate     *rateGate
	prices   *ttlCache[float64]
	candles  *ttlCache[[]models.Candle]
	balances *ttlCache[map[string]exchange.Balance]

	wsMu     sync.Mutex
	wsClient *ws.Client
}

func New(baseURL, wsURL, accessKey, secretKey string, log *logger.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		wsURL:     wsURL,
		accessKey: accessKey,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log:      log,
		gate:     newRateGate(minRequestInterval),
		prices:   newTTLCache[float64](priceCacheTTL, candleCacheCap),
		candles:  newTTLCache[[]models.Candle](candleCacheTTL, candleCacheCap),
		balances: newTTLCache[map[string]exchange.Balance](balanceCacheTTL, 1),
	}
}

// Subscribe поднимает поток тикеров; повторный вызов переподписывает
// текущее соединение на новый список рынков. Переподписка по расписанию
// может совпасть с остановкой, поэтому wsClient под мьютексом.
func (c *Client) Subscribe(ctx context.Context, markets []string) (<-chan exchange.Event, error) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	if c.wsClient != nil {
		if err := c.wsClient.Resubscribe(markets); err != nil {
			return nil, err
		}
		return c.wsClient.Events(), nil
	}

	wsClient := ws.New(c.wsURL, c.log)
	if err := wsClient.Connect(ctx, markets); err != nil {
		return nil, err
	}
	c.wsClient = wsClient
	return wsClient.Events(), nil
}

func (c *Client) CloseFeed() {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
}
