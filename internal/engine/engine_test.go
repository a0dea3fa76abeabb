package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/internal/config"
	"tradebot/internal/exchange"
	"tradebot/internal/logger"
	"tradebot/internal/models"
	"tradebot/internal/notify"
	"tradebot/internal/store"
	"tradebot/internal/strategy"
)

type fakeClient struct {
	mu           sync.Mutex
	price        float64
	priceErr     error
	candles      []models.Candle
	placed       []models.TradeIntent
	placeDelay   time.Duration
	placeErr     error
	reconciled   *models.Order
	orderResult  *models.Order
	markets      []exchange.MarketInfo
	events       chan exchange.Event
	candlesCalls int
}

func (f *fakeClient) GetCurrentPrice(ctx context.Context, market string) (float64, error) {
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	return f.price, nil
}

func (f *fakeClient) GetCandles(ctx context.Context, market, interval string, count int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candlesCalls++
	return f.candles, nil
}

func (f *fakeClient) GetBalances(ctx context.Context) (map[string]exchange.Balance, error) {
	return map[string]exchange.Balance{}, nil
}

func (f *fakeClient) GetMarkets(ctx context.Context, quote string) ([]exchange.MarketInfo, error) {
	return f.markets, nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, intent models.TradeIntent) (models.Order, error) {
	time.Sleep(f.placeDelay)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return models.Order{}, f.placeErr
	}

	qty := intent.Qty
	if intent.Side == models.OrderSideBuy && intent.Type == models.OrderTypeMarket {
		qty = intent.Price / f.price
	}
	f.placed = append(f.placed, intent)
	return models.Order{
		ID:        fmt.Sprintf("ord-%d", len(f.placed)),
		LinkID:    intent.CorrelationID,
		Market:    intent.Market,
		Side:      intent.Side,
		Price:     f.price,
		FilledQty: qty,
		Status:    models.OrderStatusFilled,
	}, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (f *fakeClient) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	if f.orderResult != nil {
		return *f.orderResult, nil
	}
	return models.Order{ID: orderID, Status: models.OrderStatusFilled}, nil
}

func (f *fakeClient) GetOrderByIdentifier(ctx context.Context, market, identifier string) (models.Order, error) {
	if f.reconciled != nil {
		return *f.reconciled, nil
	}
	return models.Order{}, exchange.ErrOrderNotFound
}

func (f *fakeClient) Subscribe(ctx context.Context, markets []string) (<-chan exchange.Event, error) {
	if f.events != nil {
		return f.events, nil
	}
	return nil, nil
}

func (f *fakeClient) placedIntents() []models.TradeIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.TradeIntent(nil), f.placed...)
}

func newTestEngine(t *testing.T, client *fakeClient) *Engine {
	t.Helper()

	cfg := &config.Config{
		Bot: config.BotConfig{
			QuoteCurrency:       "KRW",
			UniverseSize:        2,
			EvalInterval:        time.Second,
			MaxConcurrentEval:   4,
			OrderBudget:         10000,
			MaxEntries:          4,
			MinNotional:         5000,
			StopLossPercent:     5,
			TakeProfitPercent:   3,
			TrailingStopPercent: 1.5,
			MaxHolding:          24 * time.Hour,
		},
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "positions.db"), cfg.Bot.MaxEntries, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	policy, err := strategy.New("dca")
	require.NoError(t, err)

	return New(cfg, client, st, notify.New("", "", logger.NewNop()), policy, logger.NewNop())
}

func testBalances(base float64) map[string]exchange.Balance {
	return map[string]exchange.Balance{
		"KRW": {Currency: "KRW", Available: 1e9},
		"BTC": {Currency: "BTC", Available: base},
	}
}

func seedPosition(t *testing.T, e *Engine, market string, price, qty float64) *models.Position {
	t.Helper()
	require.NoError(t, e.store.Open(market, price, qty, "seed-"+market))
	e.refreshCachedPosition(market, true, price)
	pos := e.cachedPosition(market)
	require.NotNil(t, pos)
	return pos
}

func TestExecuteActionSingleFlight(t *testing.T) {
	client := &fakeClient{price: 100, placeDelay: 100 * time.Millisecond}
	eng := newTestEngine(t, client)

	action := models.Action{Type: models.ActionEnter, Size: 1}
	state := models.MarketState{Market: "KRW-BTC", Price: 100, Valid: true}
	balances := testBalances(0)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			eng.executeAction(context.Background(), "KRW-BTC", action, state, nil, balances)
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, client.placedIntents(), 1, "concurrent decisions must yield one order")

	pos, err := eng.store.Get("KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 1, pos.EntryCount)
	assert.InDelta(t, 100.0, pos.TotalQty(), 1e-9)
}

func TestCheckGuardsPrecedence(t *testing.T) {
	client := &fakeClient{price: 100}
	eng := newTestEngine(t, client)

	pos := &models.Position{
		Market:     "KRW-BTC",
		Entries:    []models.Entry{{Price: 100, Qty: 1}},
		EntryCount: 1,
		Status:     models.PositionStatusActive,
		OpenedAt:   time.Now(),
	}

	// Стоп-лосс.
	action, forced := eng.checkGuards(models.MarketState{Market: "KRW-BTC", Price: 94}, pos)
	require.True(t, forced)
	assert.Equal(t, models.ActionExit, action.Type)
	assert.True(t, action.Forced)
	assert.Contains(t, action.Reason, "стоп-лосс")

	// Тейк-профит раньше трейлинга, даже когда сработали бы оба.
	eng.mu.Lock()
	eng.highWater["KRW-BTC"] = 106
	eng.mu.Unlock()
	action, forced = eng.checkGuards(models.MarketState{Market: "KRW-BTC", Price: 103.5}, pos)
	require.True(t, forced)
	assert.Contains(t, action.Reason, "тейк-профит")

	// Просроченное удержание закрывается только в плюсе.
	held := *pos
	held.OpenedAt = time.Now().Add(-25 * time.Hour)
	action, forced = eng.checkGuards(models.MarketState{Market: "KRW-BTC", Price: 101}, &held)
	require.True(t, forced)
	assert.Contains(t, action.Reason, "удержания")

	eng.mu.Lock()
	eng.highWater["KRW-BTC"] = 0
	eng.mu.Unlock()
	_, forced = eng.checkGuards(models.MarketState{Market: "KRW-BTC", Price: 99}, &held)
	assert.False(t, forced)
}

func TestCheckGuardsTrailingStop(t *testing.T) {
	client := &fakeClient{price: 100}
	eng := newTestEngine(t, client)

	pos := &models.Position{
		Market:     "KRW-BTC",
		Entries:    []models.Entry{{Price: 96, Qty: 1}},
		EntryCount: 1,
		Status:     models.PositionStatusActive,
		OpenedAt:   time.Now(),
	}

	eng.mu.Lock()
	eng.highWater["KRW-BTC"] = 100
	eng.mu.Unlock()

	action, forced := eng.checkGuards(models.MarketState{Market: "KRW-BTC", Price: 98}, pos)
	require.True(t, forced)
	assert.Equal(t, models.ActionExit, action.Type)
	assert.Contains(t, action.Reason, "трейлинг")

	// Новый максимум двигает водяной знак и не даёт выхода.
	eng.mu.Lock()
	eng.highWater["KRW-BTC"] = 96.5
	eng.mu.Unlock()

	_, forced = eng.checkGuards(models.MarketState{Market: "KRW-BTC", Price: 97}, pos)
	assert.False(t, forced)

	eng.mu.Lock()
	assert.Equal(t, 97.0, eng.highWater["KRW-BTC"])
	eng.mu.Unlock()
}

func TestGuardOverridesPolicy(t *testing.T) {
	// DCA при такой просадке докупала бы; защитный выход должен победить.
	client := &fakeClient{price: 94, candles: trendCandles(60)}
	eng := newTestEngine(t, client)
	seedPosition(t, eng, "KRW-BTC", 100, 4)

	eng.evaluateMarket(context.Background(), "KRW-BTC", testBalances(4))

	placed := client.placedIntents()
	require.Len(t, placed, 1)
	assert.Equal(t, models.OrderSideSell, placed[0].Side)

	pos, err := eng.store.Get("KRW-BTC")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestEvaluateMarketSkipsWithoutPrice(t *testing.T) {
	client := &fakeClient{priceErr: errors.New("биржа недоступна")}
	eng := newTestEngine(t, client)

	eng.evaluateMarket(context.Background(), "KRW-BTC", testBalances(0))

	assert.Empty(t, client.placedIntents())
	client.mu.Lock()
	assert.Zero(t, client.candlesCalls)
	client.mu.Unlock()
}

func TestEntryDowngradedWhenBudgetBelowNotional(t *testing.T) {
	client := &fakeClient{price: 100}
	eng := newTestEngine(t, client)
	eng.cfg.Bot.OrderBudget = 1000

	action := models.Action{Type: models.ActionEnter, Size: 1}
	state := models.MarketState{Market: "KRW-BTC", Price: 100, Valid: true}
	eng.executeAction(context.Background(), "KRW-BTC", action, state, nil, testBalances(0))

	assert.Empty(t, client.placedIntents())
	pos, err := eng.store.Get("KRW-BTC")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestEntryDowngradedWhenInsufficientBalance(t *testing.T) {
	client := &fakeClient{price: 100}
	eng := newTestEngine(t, client)

	balances := map[string]exchange.Balance{
		"KRW": {Currency: "KRW", Available: 100},
	}
	action := models.Action{Type: models.ActionEnter, Size: 1}
	state := models.MarketState{Market: "KRW-BTC", Price: 100, Valid: true}
	eng.executeAction(context.Background(), "KRW-BTC", action, state, nil, balances)

	assert.Empty(t, client.placedIntents())
}

func TestExitClampsToAvailableBalance(t *testing.T) {
	client := &fakeClient{price: 110}
	eng := newTestEngine(t, client)
	pos := seedPosition(t, eng, "KRW-BTC", 100, 4)

	action := models.Action{Type: models.ActionExit, Reason: "цель"}
	state := models.MarketState{Market: "KRW-BTC", Price: 110, Valid: true}
	eng.executeAction(context.Background(), "KRW-BTC", action, state, pos, testBalances(3.5))

	placed := client.placedIntents()
	require.Len(t, placed, 1)
	assert.InDelta(t, 3.5, placed[0].Qty, 1e-9)

	// Проданного меньше позиции: остаток живёт дальше.
	remaining, err := eng.store.Get("KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, remaining)
	assert.InDelta(t, 0.5, remaining.TotalQty(), 1e-9)
}

func TestRejectedOrderLeavesStoreUntouched(t *testing.T) {
	client := &fakeClient{
		price:    100,
		placeErr: fmt.Errorf("%w: мало средств", exchange.ErrInsufficientBalance),
	}
	eng := newTestEngine(t, client)

	action := models.Action{Type: models.ActionEnter, Size: 1}
	state := models.MarketState{Market: "KRW-BTC", Price: 100, Valid: true}
	eng.executeAction(context.Background(), "KRW-BTC", action, state, nil, testBalances(0))

	pos, err := eng.store.Get("KRW-BTC")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestAmbiguousOutcomeReconciledByIdentifier(t *testing.T) {
	client := &fakeClient{
		price:    100,
		placeErr: errors.New("таймаут отправки"),
		reconciled: &models.Order{
			ID:        "ord-recon",
			Market:    "KRW-BTC",
			Side:      models.OrderSideBuy,
			Price:     100,
			FilledQty: 2,
			Status:    models.OrderStatusFilled,
		},
	}
	eng := newTestEngine(t, client)

	action := models.Action{Type: models.ActionEnter, Size: 1}
	state := models.MarketState{Market: "KRW-BTC", Price: 100, Valid: true}
	eng.executeAction(context.Background(), "KRW-BTC", action, state, nil, testBalances(0))

	// Ордер нашёлся при сверке: позиция записана без повторной отправки.
	pos, err := eng.store.Get("KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 2.0, pos.TotalQty(), 1e-9)
}

func TestAmbiguousOutcomeWithoutOrderSkipsCycle(t *testing.T) {
	client := &fakeClient{price: 100, placeErr: errors.New("таймаут отправки")}
	eng := newTestEngine(t, client)

	action := models.Action{Type: models.ActionEnter, Size: 1}
	state := models.MarketState{Market: "KRW-BTC", Price: 100, Valid: true}
	eng.executeAction(context.Background(), "KRW-BTC", action, state, nil, testBalances(0))

	pos, err := eng.store.Get("KRW-BTC")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestHandleCommandPauseResume(t *testing.T) {
	client := &fakeClient{price: 100}
	eng := newTestEngine(t, client)

	require.True(t, eng.isRunning())

	eng.HandleCommand(context.Background(), notify.CommandStop)
	assert.False(t, eng.isRunning())
	eng.HandleCommand(context.Background(), notify.CommandStop)
	assert.False(t, eng.isRunning())

	eng.HandleCommand(context.Background(), notify.CommandStart)
	assert.True(t, eng.isRunning())

	status := eng.HandleCommand(context.Background(), notify.CommandStatus)
	assert.NotEmpty(t, status)
}

func TestSetPolicySwitchesBetweenCycles(t *testing.T) {
	client := &fakeClient{price: 100}
	eng := newTestEngine(t, client)

	require.NoError(t, eng.SetPolicy("scalp"))
	assert.Equal(t, "scalp", eng.activePolicy().Name())

	assert.Error(t, eng.SetPolicy("martingale"))
	assert.Equal(t, "scalp", eng.activePolicy().Name())
}

func TestWaitOrderTerminalAcceptsCancelledPartialFill(t *testing.T) {
	// Рыночная покупка на сумму завершается отменой остатка: такой
	// ордер терминален и не должен опрашиваться до самого таймаута.
	client := &fakeClient{
		price:       100,
		orderResult: &models.Order{ID: "ord-1", Status: models.OrderStatusCanceled, FilledQty: 1.5, Price: 99.5},
	}
	eng := newTestEngine(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	final := eng.waitOrderTerminal(ctx, models.Order{ID: "ord-1", Status: models.OrderStatusPartiallyFilled})

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, models.OrderStatusCanceled, final.Status)
	assert.InDelta(t, 1.5, final.FilledQty, 1e-9)
}

func TestFeedConsumerStartsAfterLateSubscription(t *testing.T) {
	// Первая подписка на старте могла не состояться; когда её поднимает
	// обновление вселенной, у канала событий должен появиться
	// потребитель, иначе продюсер встанет на полном буфере.
	events := make(chan exchange.Event, 1)
	client := &fakeClient{
		price:   100,
		markets: []exchange.MarketInfo{{Market: "KRW-BTC", QuoteVolume24h: 1e9}},
		events:  events,
	}
	eng := newTestEngine(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, eng.refreshUniverse(ctx))

	events <- exchange.Event{Type: exchange.EventTypeTicker, Ticker: &models.Ticker{
		Market:    "KRW-BTC",
		LastPrice: 101,
		Timestamp: time.Now(),
	}}

	assert.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return eng.tickers["KRW-BTC"].LastPrice == 101
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRoundDown(t *testing.T) {
	assert.InDelta(t, 3.5, roundDown(3.5, 0.00000001), 1e-9)
	assert.InDelta(t, 1.23456789, roundDown(1.234567899, 0.00000001), 1e-9)
	assert.Equal(t, 50000.0, roundDown(50000.7, 1))
	assert.Equal(t, 5.0, roundDown(5, 0))
}

func trendCandles(n int) []models.Candle {
	candles := make([]models.Candle, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		price := 100 + 5*math.Sin(float64(i)/3)
		candles[i] = models.Candle{
			Market:    "KRW-BTC",
			Timestamp: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    10 + float64(i%5),
		}
	}
	return candles
}
