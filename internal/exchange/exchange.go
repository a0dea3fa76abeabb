package exchange

import (
	"context"
	"errors"

	"tradebot/internal/models"
)

type EventType string

const (
	EventTypeTicker    EventType = "Ticker"
	EventTypeReconnect EventType = "Reconnect"
)

type Event struct {
	Type   EventType
	Ticker *models.Ticker
}

// Ошибки биржи. Transient-ошибки клиент гасит сам и после исчерпания
// попыток возвращает ErrUnavailable — для цикла это "пропустить рынок",
// а не авария.
var (
	ErrUnavailable         = errors.New("данные биржи недоступны")
	ErrPriceUnavailable    = errors.New("цена недоступна")
	ErrInsufficientBalance = errors.New("недостаточно средств")
	ErrBelowMinNotional    = errors.New("объём меньше минимального")
	ErrOrderRejected       = errors.New("ордер отклонён биржей")
	ErrOrderNotFound       = errors.New("ордер не найден")
)

type Balance struct {
	Currency    string
	Available   float64
	Locked      float64
	AvgBuyPrice float64
}

type MarketInfo struct {
	Market         string
	QuoteVolume24h float64
}

type Client interface {
	GetCurrentPrice(ctx context.Context, market string) (float64, error)
	GetCandles(ctx context.Context, market string, interval string, count int) ([]models.Candle, error)
	GetBalances(ctx context.Context) (map[string]Balance, error)
	GetMarkets(ctx context.Context, quote string) ([]MarketInfo, error)
	PlaceOrder(ctx context.Context, intent models.TradeIntent) (models.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
	GetOrderByIdentifier(ctx context.Context, market, identifier string) (models.Order, error)
	Subscribe(ctx context.Context, markets []string) (<-chan Event, error)
}
