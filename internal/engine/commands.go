package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradebot/internal/notify"
)

// pollCommands обслуживает входящие команды на своём таймере, не
// задерживая оценку рынков.
func (e *Engine) pollCommands(ctx context.Context) {
	commands, err := e.notifier.PollCommands(ctx)
	if err != nil {
		e.logEntry().WithError(err).Warn("Не удалось опросить команды.")
		return
	}

	for _, cmd := range commands {
		e.logEntry().WithField("command", string(cmd)).Info("Команда получена.")
		e.notify(ctx, e.HandleCommand(ctx, cmd))
	}
}

// HandleCommand — идемпотентные входные точки ядра: команды только
// читают состояние либо переключают флаг running.
func (e *Engine) HandleCommand(ctx context.Context, cmd notify.Command) string {
	switch cmd {
	case notify.CommandStatus:
		return e.statusText()
	case notify.CommandBalance:
		return e.balanceText(ctx)
	case notify.CommandPositions:
		return e.positionsText()
	case notify.CommandStop:
		e.Pause()
		return "Оценка рынков приостановлена."
	case notify.CommandStart:
		e.Resume()
		return "Оценка рынков возобновлена."
	default:
		return fmt.Sprintf("Неизвестная команда: %s", cmd)
	}
}

func (e *Engine) statusText() string {
	e.mu.Lock()
	running := e.running
	universe := append([]string(nil), e.universe...)
	posCount := len(e.positions)
	e.mu.Unlock()

	state := "работает"
	if !running {
		state = "на паузе"
	}
	return fmt.Sprintf("Бот %s. Стратегия: %s. Вселенная: %d рынков (%s). Открытых позиций: %d.",
		state, e.activePolicy().Name(), len(universe), strings.Join(universe, ", "), posCount)
}

func (e *Engine) balanceText(ctx context.Context) string {
	balances, err := e.client.GetBalances(ctx)
	if err != nil {
		return fmt.Sprintf("Баланс недоступен: %v", err)
	}

	var b strings.Builder
	b.WriteString("Баланс:")
	for _, bal := range balances {
		if bal.Available == 0 && bal.Locked == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s: %.8f (в ордерах %.8f)", bal.Currency, bal.Available, bal.Locked)
	}
	return b.String()
}

func (e *Engine) positionsText() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.positions) == 0 {
		return "Открытых позиций нет."
	}

	var b strings.Builder
	b.WriteString("Позиции:")
	for market, pos := range e.positions {
		price := e.tickers[market].LastPrice
		line := fmt.Sprintf("\n%s: %.8f по средней %.2f (входов %d, держим %s)",
			market, pos.TotalQty(), pos.AvgPrice(), pos.EntryCount,
			time.Since(pos.OpenedAt).Round(time.Minute))
		if price > 0 && pos.AvgPrice() > 0 {
			line += fmt.Sprintf(", P&L %.2f%%", (price/pos.AvgPrice()-1)*100)
		}
		b.WriteString(line)
	}
	return b.String()
}
