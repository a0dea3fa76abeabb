package upbit

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tradebot/internal/exchange"
	"tradebot/internal/models"
)

type orderItem struct {
	UUID            string `json:"uuid"`
	Identifier      string `json:"identifier"`
	Market          string `json:"market"`
	Side            string `json:"side"`
	OrdType         string `json:"ord_type"`
	Price           string `json:"price"`
	Volume          string `json:"volume"`
	ExecutedVolume  string `json:"executed_volume"`
	State           string `json:"state"`
	CreatedAt       string `json:"created_at"`
	PaidFee         string `json:"paid_fee"`
	ExecutedFunds   string `json:"executed_funds"`
	RemainingVolume string `json:"remaining_volume"`
	Trades          []struct {
		Price  string `json:"price"`
		Volume string `json:"volume"`
		Funds  string `json:"funds"`
	} `json:"trades"`
}

// PlaceOrder отправляет ордер ровно один раз за вызов. Идемпотентность
// при повторе после неоднозначного исхода обеспечивает вызывающий через
// CorrelationID (identifier на стороне биржи).
func (c *Client) PlaceOrder(ctx context.Context, intent models.TradeIntent) (models.Order, error) {
	params := url.Values{}
	params.Set("market", intent.Market)
	if intent.CorrelationID != "" {
		params.Set("identifier", intent.CorrelationID)
	}

	switch {
	case intent.Type == models.OrderTypeLimit:
		params.Set("side", wireSide(intent.Side))
		params.Set("ord_type", "limit")
		params.Set("volume", formatFloatPlain(intent.Qty))
		params.Set("price", formatFloatPlain(intent.Price))
	case intent.Side == models.OrderSideBuy:
		// Рыночная покупка задаётся суммой котируемой валюты.
		params.Set("side", "bid")
		params.Set("ord_type", "price")
		params.Set("price", formatFloatPlain(intent.Price))
	default:
		params.Set("side", "ask")
		params.Set("ord_type", "market")
		params.Set("volume", formatFloatPlain(intent.Qty))
	}

	var item orderItem
	if err := c.doRequest(ctx, http.MethodPost, "/v1/orders", params, true, &item); err != nil {
		return models.Order{}, classifyOrderError(err)
	}

	order := mapOrder(item)
	order.LinkID = intent.CorrelationID
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("uuid", orderID)

	if err := c.doRequest(ctx, http.MethodDelete, "/v1/order", params, true, nil); err != nil {
		return classifyOrderError(err)
	}
	return nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	params := url.Values{}
	params.Set("uuid", orderID)

	var item orderItem
	err := c.withRetry(ctx, func() error {
		return c.doRequest(ctx, http.MethodGet, "/v1/order", params, true, &item)
	})
	if err != nil {
		return models.Order{}, classifyOrderError(err)
	}
	return mapOrder(item), nil
}

// GetOrderByIdentifier — сверка после неоднозначного исхода: ордер
// ищется по клиентскому identifier, который задавался при отправке.
func (c *Client) GetOrderByIdentifier(ctx context.Context, market, identifier string) (models.Order, error) {
	params := url.Values{}
	params.Set("identifier", identifier)

	var item orderItem
	err := c.withRetry(ctx, func() error {
		return c.doRequest(ctx, http.MethodGet, "/v1/order", params, true, &item)
	})
	if err != nil {
		return models.Order{}, classifyOrderError(err)
	}
	if item.UUID == "" {
		return models.Order{}, exchange.ErrOrderNotFound
	}
	return mapOrder(item), nil
}

func mapOrder(item orderItem) models.Order {
	price, _ := parseFloatOrZero(item.Price)
	volume, _ := parseFloatOrZero(item.Volume)
	executed, _ := parseFloatOrZero(item.ExecutedVolume)

	// По сделкам точнее, чем по заявленной цене.
	var tradeQty, tradeFunds float64
	for _, trade := range item.Trades {
		qty, _ := parseFloatOrZero(trade.Volume)
		funds, _ := parseFloatOrZero(trade.Funds)
		tradeQty += qty
		tradeFunds += funds
	}
	if tradeQty > 0 {
		price = tradeFunds / tradeQty
	}

	createdAt, _ := time.Parse(time.RFC3339, item.CreatedAt)

	return models.Order{
		ID:         item.UUID,
		LinkID:     item.Identifier,
		Market:     item.Market,
		Side:       mapSide(item.Side),
		Type:       mapOrdType(item.OrdType),
		Price:      price,
		Qty:        volume,
		FilledQty:  executed,
		Status:     mapState(item.State, executed),
		CreateTime: createdAt,
	}
}

func wireSide(side models.OrderSide) string {
	if side == models.OrderSideBuy {
		return "bid"
	}
	return "ask"
}

func mapSide(side string) models.OrderSide {
	if side == "bid" {
		return models.OrderSideBuy
	}
	return models.OrderSideSell
}

func mapOrdType(ordType string) models.OrderType {
	if ordType == "limit" {
		return models.OrderTypeLimit
	}
	return models.OrderTypeMarket
}

func mapState(state string, executed float64) models.OrderStatus {
	switch state {
	case "done":
		return models.OrderStatusFilled
	case "cancel":
		// Отмена терминальна и при частичном исполнении: рыночная
		// покупка на сумму штатно завершается отменой остатка.
		// Исполненный объём несёт FilledQty.
		return models.OrderStatusCanceled
	default:
		if executed > 0 {
			return models.OrderStatusPartiallyFilled
		}
		return models.OrderStatusNew
	}
}

func formatFloatPlain(val float64) string {
	formatted := strconv.FormatFloat(val, 'f', -1, 64)
	if formatted == "" || formatted == "-0" {
		return "0"
	}
	return formatted
}
