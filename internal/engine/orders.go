package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradebot/internal/exchange"
	"tradebot/internal/models"
	"tradebot/internal/store"
)

const (
	orderTimeout     = 30 * time.Second
	fillPollInterval = 500 * time.Millisecond
)

func (e *Engine) flight(market string) *marketFlight {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	f, ok := e.inFlight[market]
	if !ok {
		f = &marketFlight{}
		e.inFlight[market] = f
	}
	return f
}

// executeAction сериализует отправку по рынку: не больше одного ордера
// в полёте на рынок. Второе конкурентное решение по тому же рынку
// просто пропускает цикл.
func (e *Engine) executeAction(ctx context.Context, market string, action models.Action, state models.MarketState, pos *models.Position, balances map[string]exchange.Balance) {
	f := e.flight(market)
	if !f.mu.TryLock() {
		e.marketLog(market).Debug("Ордер уже в полёте, решение пропущено.")
		return
	}

	e.ordersWG.Add(1)
	defer e.ordersWG.Done()
	defer f.mu.Unlock()

	// Отправка доводится до терминального состояния даже при остановке.
	orderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orderTimeout)
	defer cancel()

	switch action.Type {
	case models.ActionEnter:
		if pos != nil {
			return
		}
		e.submitEntry(orderCtx, market, action, state, balances, true)
	case models.ActionAddEntry:
		if pos == nil {
			return
		}
		e.submitEntry(orderCtx, market, action, state, balances, false)
	case models.ActionReduceBy:
		if pos == nil || action.Fraction <= 0 || action.Fraction >= 1 {
			return
		}
		e.submitExit(orderCtx, market, action, state, pos, pos.TotalQty()*action.Fraction, false, balances)
	case models.ActionExit:
		if pos == nil {
			return
		}
		e.submitExit(orderCtx, market, action, state, pos, pos.TotalQty(), true, balances)
	}
}

func (e *Engine) submitEntry(ctx context.Context, market string, action models.Action, state models.MarketState, balances map[string]exchange.Balance, open bool) {
	budget := e.cfg.Bot.OrderBudget
	if !open && e.cfg.Bot.AddOrderBudget > 0 {
		budget = e.cfg.Bot.AddOrderBudget
	}
	if action.Size > 0 {
		budget *= action.Size
	}
	budget = roundDown(budget, quoteStep)

	quote := e.cfg.Bot.QuoteCurrency

	// Проверки нотионала и баланса прямо перед отправкой; при нехватке
	// действие понижается до Hold и логируется, без тихих повторов.
	if budget < e.cfg.Bot.MinNotional {
		e.marketLog(market).WithFields(map[string]interface{}{
			"budget":       budget,
			"min_notional": e.cfg.Bot.MinNotional,
		}).Warn("Вход понижен до Hold: бюджет меньше минимального нотионала.")
		return
	}
	if available := balances[quote].Available; !e.cfg.Runtime.DryRun && available < budget {
		e.marketLog(market).WithFields(map[string]interface{}{
			"budget":    budget,
			"available": available,
		}).Warn("Вход понижен до Hold: недостаточно средств.")
		return
	}

	actionID := e.nextActionID(market)
	intent := models.TradeIntent{
		Market:        market,
		Side:          models.OrderSideBuy,
		Type:          models.OrderTypeMarket,
		Price:         budget,
		CorrelationID: actionID,
	}

	fillPrice, fillQty, ok := e.submitAndSettle(ctx, intent, state.Price)
	if !ok {
		return
	}

	var err error
	if open {
		err = e.store.Open(market, fillPrice, fillQty, actionID)
	} else {
		err = e.store.AddEntry(market, fillPrice, fillQty, actionID)
	}
	if err != nil {
		e.reportStoreViolation(ctx, market, err, fillPrice, fillQty)
		return
	}

	e.refreshCachedPosition(market, open, fillPrice)

	e.marketLog(market).WithFields(map[string]interface{}{
		"price":  fillPrice,
		"qty":    fillQty,
		"reason": action.Reason,
		"open":   open,
	}).Info("Вход исполнен.")
	e.notify(ctx, fmt.Sprintf("Покупка %s: %.8f по %.2f (%s)", market, fillQty, fillPrice, action.Reason))
}

func (e *Engine) submitExit(ctx context.Context, market string, action models.Action, state models.MarketState, pos *models.Position, qty float64, full bool, balances map[string]exchange.Balance) {
	if qty <= 0 {
		return
	}

	// Фактический доступный остаток может быть чуть меньше учтённого
	// из-за комиссий — продаём не больше, чем есть на счёте.
	if !e.cfg.Runtime.DryRun {
		if available := balances[baseCurrency(market)].Available; available > 0 && available < qty {
			qty = available
		}
	}
	qty = roundDown(qty, qtyStep)
	if qty <= 0 {
		return
	}

	// Частичный выход меньше минимального нотионала отклонит биржа —
	// понижаем до Hold сами. Принудительный полный выход отправляем
	// как есть.
	if !full && qty*state.Price < e.cfg.Bot.MinNotional {
		e.marketLog(market).WithFields(map[string]interface{}{
			"qty":          qty,
			"price":        state.Price,
			"min_notional": e.cfg.Bot.MinNotional,
		}).Warn("Сокращение понижено до Hold: объём меньше минимального нотионала.")
		return
	}

	actionID := e.nextActionID(market)
	intent := models.TradeIntent{
		Market:        market,
		Side:          models.OrderSideSell,
		Type:          models.OrderTypeMarket,
		Qty:           qty,
		CorrelationID: actionID,
	}

	fillPrice, fillQty, ok := e.submitAndSettle(ctx, intent, state.Price)
	if !ok {
		return
	}

	avg := pos.AvgPrice()
	var err error
	if full && fillQty >= pos.TotalQty()-1e-9 {
		err = e.store.ClosePosition(market, fillPrice, actionID)
	} else {
		err = e.store.Reduce(market, fillQty, fillPrice, actionID)
	}
	if err != nil {
		e.reportStoreViolation(ctx, market, err, fillPrice, fillQty)
		return
	}

	e.refreshCachedPosition(market, false, 0)

	pnl := (fillPrice - avg) * fillQty
	entry := e.marketLog(market).WithFields(map[string]interface{}{
		"price":  fillPrice,
		"qty":    fillQty,
		"pnl":    pnl,
		"forced": action.Forced,
		"reason": action.Reason,
	})
	if action.Forced {
		entry.Warn("Принудительный выход исполнен.")
	} else {
		entry.Info("Выход исполнен.")
	}
	e.notify(ctx, fmt.Sprintf("Продажа %s: %.8f по %.2f, P&L %.2f (%s)", market, fillQty, fillPrice, pnl, action.Reason))
}

// submitAndSettle отправляет ордер один раз и доводит его до
// терминального состояния. Неоднозначный исход разрешается сверкой по
// identifier, а не предположением об успехе или неудаче.
func (e *Engine) submitAndSettle(ctx context.Context, intent models.TradeIntent, priceHint float64) (fillPrice, fillQty float64, ok bool) {
	if e.cfg.Runtime.DryRun {
		qty := intent.Qty
		if intent.Side == models.OrderSideBuy {
			qty = intent.Price / priceHint
		}
		e.marketLog(intent.Market).WithFields(map[string]interface{}{
			"side":  intent.Side,
			"qty":   qty,
			"price": priceHint,
		}).Info("dry_run: ордер сымитирован.")
		return priceHint, qty, true
	}

	order, err := e.client.PlaceOrder(ctx, intent)
	if err != nil {
		if isRejection(err) {
			e.marketLog(intent.Market).WithError(err).Warn("Ордер отклонён биржей.")
			e.notify(ctx, fmt.Sprintf("Ордер по %s отклонён: %v", intent.Market, err))
			return 0, 0, false
		}
		// Исход неизвестен: таймаут или сеть. Сверяемся по identifier.
		reconciled, found := e.reconcile(ctx, intent.Market, intent.CorrelationID)
		if !found {
			e.marketLog(intent.Market).WithError(err).
				Warn("Отправка не подтвердилась, действий по рынку в этом цикле не будет.")
			return 0, 0, false
		}
		order = reconciled
	}

	final := e.waitOrderTerminal(ctx, order)
	if final.FilledQty <= 0 {
		e.log.WithOrderID(final.ID).WithField("market", intent.Market).
			Warn("Ордер не исполнился, запись в хранилище не делается.")
		return 0, 0, false
	}

	price := final.Price
	if price <= 0 {
		price = priceHint
	}
	return price, final.FilledQty, true
}

func (e *Engine) reconcile(ctx context.Context, market, correlationID string) (models.Order, bool) {
	order, err := e.client.GetOrderByIdentifier(ctx, market, correlationID)
	if err != nil {
		if !errors.Is(err, exchange.ErrOrderNotFound) {
			e.marketLog(market).WithError(err).Warn("Сверка ордера не удалась.")
		}
		return models.Order{}, false
	}
	e.log.WithOrderID(order.ID).WithField("market", market).Info("Ордер найден при сверке, повтора не будет.")
	return order, true
}

func (e *Engine) waitOrderTerminal(ctx context.Context, order models.Order) models.Order {
	last := order
	for {
		if isTerminal(last.Status) {
			return last
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(fillPollInterval):
		}
		refreshed, err := e.client.GetOrder(ctx, last.ID)
		if err != nil {
			continue
		}
		last = refreshed
	}
}

func isTerminal(status models.OrderStatus) bool {
	switch status {
	case models.OrderStatusFilled, models.OrderStatusCanceled, models.OrderStatusRejected:
		return true
	}
	return false
}

func isRejection(err error) bool {
	return errors.Is(err, exchange.ErrInsufficientBalance) ||
		errors.Is(err, exchange.ErrBelowMinNotional) ||
		errors.Is(err, exchange.ErrOrderRejected)
}

// reportStoreViolation: нарушение контракта хранилища не глотается —
// лог, уведомление и никакой тихой починки.
func (e *Engine) reportStoreViolation(ctx context.Context, market string, err error, price, qty float64) {
	e.marketLog(market).WithError(err).WithFields(map[string]interface{}{
		"price": price,
		"qty":   qty,
	}).Error("Нарушение контракта хранилища позиций.")
	e.notify(ctx, fmt.Sprintf("Хранилище %s: %v (цена %.2f, объём %.8f)", market, err, price, qty))

	if errors.Is(err, store.ErrAlreadyOpen) || errors.Is(err, store.ErrNotFound) {
		// Кэш мог разойтись с хранилищем — перечитываем.
		e.refreshCachedPosition(market, false, 0)
	}
}

func (e *Engine) refreshCachedPosition(market string, opened bool, entryPrice float64) {
	pos, err := e.store.Get(market)
	if err != nil {
		e.marketLog(market).WithError(err).Warn("Не удалось перечитать позицию.")
		return
	}

	e.mu.Lock()
	if pos == nil {
		delete(e.positions, market)
		delete(e.highWater, market)
	} else {
		e.positions[market] = pos
		if opened {
			e.highWater[market] = entryPrice
		}
	}
	e.mu.Unlock()
}

func (e *Engine) notify(ctx context.Context, text string) {
	if err := e.notifier.Notify(ctx, text); err != nil {
		e.log.WithComponent("engine").WithError(err).Warn("Не удалось отправить уведомление.")
	}
}

func baseCurrency(market string) string {
	parts := strings.SplitN(market, "-", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return market
}
