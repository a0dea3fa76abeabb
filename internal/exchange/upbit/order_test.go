package upbit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tradebot/internal/models"
)

func TestMapStateCancelIsTerminal(t *testing.T) {
	// Отменённый после частичного исполнения ордер — конечное
	// состояние, а не живой partial.
	assert.Equal(t, models.OrderStatusCanceled, mapState("cancel", 1.5))
	assert.Equal(t, models.OrderStatusCanceled, mapState("cancel", 0))

	assert.Equal(t, models.OrderStatusFilled, mapState("done", 2))
	assert.Equal(t, models.OrderStatusPartiallyFilled, mapState("wait", 1))
	assert.Equal(t, models.OrderStatusNew, mapState("wait", 0))
}

func TestMapOrderAveragesFillsFromTrades(t *testing.T) {
	item := orderItem{
		UUID:           "ord-1",
		Market:         "KRW-BTC",
		Side:           "bid",
		OrdType:        "price",
		Price:          "10000",
		ExecutedVolume: "0.15",
		State:          "cancel",
		Trades: []struct {
			Price  string `json:"price"`
			Volume string `json:"volume"`
			Funds  string `json:"funds"`
		}{
			{Price: "100", Volume: "0.1", Funds: "10"},
			{Price: "110", Volume: "0.05", Funds: "5.5"},
		},
	}

	order := mapOrder(item)
	assert.Equal(t, models.OrderStatusCanceled, order.Status)
	assert.InDelta(t, 0.15, order.FilledQty, 1e-9)
	// Средняя по сделкам: 15.5 / 0.15.
	assert.InDelta(t, 15.5/0.15, order.Price, 1e-9)
}
