package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// report — сводка по вселенной и закрытым сделкам на своём таймере,
// отдельном от цикла оценки.
func (e *Engine) report(ctx context.Context) {
	since := time.Now().Add(-24 * time.Hour)
	closed, err := e.store.ClosedSince(since)
	if err != nil {
		e.logEntry().WithError(err).Warn("Не удалось прочитать архив для отчёта.")
		return
	}

	var pnl float64
	var wins int
	for _, c := range closed {
		pnl += c.PnL
		if c.PnL > 0 {
			wins++
		}
	}

	var b strings.Builder
	b.WriteString(e.statusText())
	fmt.Fprintf(&b, "\nЗа сутки закрыто сделок: %d (в плюс %d), P&L %.2f.", len(closed), wins, pnl)

	e.logEntry().WithFields(map[string]interface{}{
		"closed_24h": len(closed),
		"wins_24h":   wins,
		"pnl_24h":    pnl,
	}).Info("Периодический отчёт.")
	e.notify(ctx, b.String())
}
