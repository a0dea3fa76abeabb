package engine

import (
	"fmt"
	"time"

	"tradebot/internal/models"
)

// checkGuards — позиционные защиты с фиксированным приоритетом:
// стоп-лосс, тейк-профит, предельное время удержания в плюсе,
// трейлинг-стоп. Сработавшая защита перекрывает любое решение
// стратегии.
func (e *Engine) checkGuards(state models.MarketState, pos *models.Position) (models.Action, bool) {
	if pos == nil {
		return models.Action{}, false
	}

	avg := pos.AvgPrice()
	if avg <= 0 {
		return models.Action{}, false
	}
	price := state.Price
	cfg := e.cfg.Bot

	if cfg.StopLossPercent > 0 && price <= avg*(1-cfg.StopLossPercent/100) {
		return forcedExit(fmt.Sprintf("стоп-лосс: цена %.2f при средней %.2f", price, avg)), true
	}

	if cfg.TakeProfitPercent > 0 && price >= avg*(1+cfg.TakeProfitPercent/100) {
		return forcedExit(fmt.Sprintf("тейк-профит: цена %.2f при средней %.2f", price, avg)), true
	}

	if cfg.MaxHolding > 0 && time.Since(pos.OpenedAt) > cfg.MaxHolding && price > avg {
		return forcedExit(fmt.Sprintf("время удержания вышло: %s в плюсе", time.Since(pos.OpenedAt).Round(time.Minute))), true
	}

	if cfg.TrailingStopPercent > 0 {
		e.mu.Lock()
		highWater := e.highWater[pos.Market]
		if price > highWater {
			highWater = price
			e.highWater[pos.Market] = price
		}
		e.mu.Unlock()

		// Трейлинг бьёт только выше средней, иначе это работа стоп-лосса.
		if highWater > avg && price <= highWater*(1-cfg.TrailingStopPercent/100) {
			return forcedExit(fmt.Sprintf("трейлинг-стоп: цена %.2f от максимума %.2f", price, highWater)), true
		}
	}

	return models.Action{}, false
}

func forcedExit(reason string) models.Action {
	return models.Action{Type: models.ActionExit, Reason: reason, Forced: true}
}
