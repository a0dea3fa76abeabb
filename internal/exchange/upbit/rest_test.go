package upbit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/internal/exchange"
	"tradebot/internal/logger"
	"tradebot/internal/models"
)

func newTestClient(baseURL string) *Client {
	return New(baseURL, "", "access", "secret", logger.NewNop())
}

func TestGetCurrentPriceExhaustsRetries(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	price, err := c.GetCurrentPrice(context.Background(), "KRW-BTC")

	assert.ErrorIs(t, err, exchange.ErrPriceUnavailable)
	assert.Zero(t, price)
	assert.EqualValues(t, retryAttempts, hits.Load())
}

func TestGetCurrentPriceRecoversAfterRateLimit(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `[{"market":"KRW-BTC","trade_price":100.5}]`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	price, err := c.GetCurrentPrice(context.Background(), "KRW-BTC")

	require.NoError(t, err)
	assert.Equal(t, 100.5, price)
	assert.EqualValues(t, 2, hits.Load())
}

func TestGetCurrentPriceUsesCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `[{"market":"KRW-BTC","trade_price":100.5}]`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 3; i++ {
		price, err := c.GetCurrentPrice(context.Background(), "KRW-BTC")
		require.NoError(t, err)
		assert.Equal(t, 100.5, price)
	}
	assert.EqualValues(t, 1, hits.Load())
}

func TestGetCandlesReturnsOldestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Биржа отдаёт новые свечи первыми.
		fmt.Fprint(w, `[
			{"market":"KRW-BTC","timestamp":2000,"trade_price":102},
			{"market":"KRW-BTC","timestamp":1000,"trade_price":101}
		]`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	candles, err := c.GetCandles(context.Background(), "KRW-BTC", "minutes/15", 2)

	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 101.0, candles[0].Close)
	assert.Equal(t, 102.0, candles[1].Close)
	assert.True(t, candles[0].Timestamp.Before(candles[1].Timestamp))
}

func TestPlaceOrderRejectionNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"name":"insufficient_funds_bid","message":"주문가능한 금액(KRW)이 부족합니다."}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.PlaceOrder(context.Background(), models.TradeIntent{
		Market:        "KRW-BTC",
		Side:          models.OrderSideBuy,
		Type:          models.OrderTypeMarket,
		Price:         10000,
		CorrelationID: "act-1",
	})

	assert.ErrorIs(t, err, exchange.ErrInsufficientBalance)
	assert.EqualValues(t, 1, hits.Load())
}

func TestGetOrderByIdentifierNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GetOrderByIdentifier(context.Background(), "KRW-BTC", "act-1")
	assert.ErrorIs(t, err, exchange.ErrOrderNotFound)
}

func TestClassifyOrderError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{
			name:   "insufficient funds",
			err:    &apiError{Status: 400, Name: `"insufficient_funds_ask"`},
			target: exchange.ErrInsufficientBalance,
		},
		{
			name:   "below min notional",
			err:    &apiError{Status: 400, Name: `"under_min_total_bid"`},
			target: exchange.ErrBelowMinNotional,
		},
		{
			name:   "order not found",
			err:    &apiError{Status: 404, Name: `"order_not_found"`},
			target: exchange.ErrOrderNotFound,
		},
		{
			name:   "generic client error",
			err:    &apiError{Status: 400, Name: `"validation_error"`},
			target: exchange.ErrOrderRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyOrderError(tt.err), tt.target)
		})
	}

	// Transient-ошибки классификатор не трогает: их ведёт withRetry.
	server := &apiError{Status: 500}
	assert.Same(t, error(server), classifyOrderError(server))
	plain := errors.New("сеть недоступна")
	assert.Same(t, plain, classifyOrderError(plain))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&apiError{Status: http.StatusTooManyRequests}))
	assert.True(t, isTransient(&apiError{Status: 503}))
	assert.False(t, isTransient(&apiError{Status: 400}))
	assert.False(t, isTransient(nil))
}
