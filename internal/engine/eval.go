package engine

import (
	"context"
	"time"

	"tradebot/internal/analyzer"
	"tradebot/internal/exchange"
	"tradebot/internal/models"
)

const (
	candleInterval = "minutes/15"
	candleCount    = 120
	tickerMaxAge   = 2 * time.Second
)

// evaluateMarket — один проход конечного автомата по рынку:
// Idle → Analyzing → Deciding → Ordering → Idle. Любой сбой данных
// означает "пропустить рынок в этом цикле" и гасится здесь же.
func (e *Engine) evaluateMarket(ctx context.Context, market string, balances map[string]exchange.Balance) {
	price, ok := e.currentPrice(ctx, market)
	if !ok {
		e.marketLog(market).Debug("Нет цены, рынок пропущен.")
		return
	}

	candles, err := e.client.GetCandles(ctx, market, candleInterval, candleCount)
	if err != nil {
		e.marketLog(market).Debug("Нет свечей, рынок пропущен.")
		return
	}

	state, ok := analyzer.Analyze(market, candles)
	if !ok {
		e.marketLog(market).Debug("Снимок рынка невалиден, рынок пропущен.")
		return
	}
	state.Price = price

	pos := e.cachedPosition(market)

	// Защитные правила строго раньше стратегии.
	action, forced := e.checkGuards(state, pos)
	if !forced {
		action = e.activePolicy().Decide(state, pos)
	}

	if action.Type == models.ActionHold {
		return
	}

	e.executeAction(ctx, market, action, state, pos, balances)
}

// currentPrice предпочитает свежий тик из потока; иначе REST с его
// кэшем и ретраями. false — цены нет, цикл по рынку пропускается.
func (e *Engine) currentPrice(ctx context.Context, market string) (float64, bool) {
	e.mu.Lock()
	ticker, ok := e.tickers[market]
	e.mu.Unlock()
	if ok && time.Since(ticker.Timestamp) <= tickerMaxAge && ticker.LastPrice > 0 {
		return ticker.LastPrice, true
	}

	price, err := e.client.GetCurrentPrice(ctx, market)
	if err != nil {
		return 0, false
	}
	return price, true
}
