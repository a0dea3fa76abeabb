package engine

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"tradebot/internal/exchange"
	"tradebot/internal/models"
)

func (e *Engine) logEntry() *logrus.Entry {
	return e.log.WithComponent("engine")
}

func (e *Engine) marketLog(market string) *logrus.Entry {
	return e.log.WithMarket(market).WithField("component", "engine")
}

// refreshUniverse пересобирает топ-N рынков по суточному обороту.
// Рынки с открытой позицией остаются во вселенной до выхода, иначе
// позицию некому будет закрыть.
func (e *Engine) refreshUniverse(ctx context.Context) error {
	infos, err := e.client.GetMarkets(ctx, e.cfg.Bot.QuoteCurrency)
	if err != nil {
		return err
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].QuoteVolume24h > infos[j].QuoteVolume24h
	})

	size := e.cfg.Bot.UniverseSize
	if size > len(infos) {
		size = len(infos)
	}

	universe := make([]string, 0, size)
	seen := map[string]bool{}
	for _, info := range infos[:size] {
		universe = append(universe, info.Market)
		seen[info.Market] = true
	}

	e.mu.Lock()
	for market := range e.positions {
		if !seen[market] {
			universe = append(universe, market)
			seen[market] = true
		}
	}
	e.universe = universe
	e.mu.Unlock()

	e.logEntry().WithField("universe", universe).Info("Вселенная рынков обновлена.")

	e.startFeed(ctx)
	return nil
}

// startFeed подписывает поток тикеров и гарантирует, что у канала
// событий есть потребитель: без него продюсер забьёт буфер и встанет.
// Переподписка возвращает тот же канал, второй потребитель не нужен.
func (e *Engine) startFeed(ctx context.Context) {
	events, err := e.subscribeFeed(ctx)
	if err != nil {
		e.logEntry().WithError(err).Warn("Поток тикеров недоступен, работаем по REST.")
		return
	}
	if events == nil {
		return
	}

	e.mu.Lock()
	already := e.feedRunning
	e.feedRunning = true
	e.mu.Unlock()

	if !already {
		go e.handleEvents(ctx, events)
	}
}

func (e *Engine) subscribeFeed(ctx context.Context) (<-chan exchange.Event, error) {
	e.mu.Lock()
	universe := append([]string(nil), e.universe...)
	e.mu.Unlock()

	if len(universe) == 0 {
		return nil, nil
	}
	return e.client.Subscribe(ctx, universe)
}

func (e *Engine) handleEvents(ctx context.Context, events <-chan exchange.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				e.logEntry().Warn("Канал событий WS закрыт.")
				return
			}
			switch event.Type {
			case exchange.EventTypeTicker:
				if event.Ticker != nil {
					e.handleTicker(*event.Ticker)
				}
			case exchange.EventTypeReconnect:
				e.logEntry().Info("WS переподключён, тикеры пойдут заново.")
			}
		}
	}
}

// Тики двигают водяной знак трейлинг-стопа между циклами оценки.
func (e *Engine) handleTicker(ticker models.Ticker) {
	e.mu.Lock()
	e.tickers[ticker.Market] = ticker
	if _, hasPos := e.positions[ticker.Market]; hasPos {
		if ticker.LastPrice > e.highWater[ticker.Market] {
			e.highWater[ticker.Market] = ticker.LastPrice
		}
	}
	e.mu.Unlock()
}
