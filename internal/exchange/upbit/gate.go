package upbit

import (
	"context"
	"sync"
	"time"
)

// rateGate выдаёт каждому исходящему запросу слот отправления не чаще
// одного раза в interval. Один общий на весь процесс — лимит биржи
// действует на ключ, а не на endpoint.
type rateGate struct {
	mu       sync.Mutex
	last     time.Time
	interval time.Duration
}

func newRateGate(interval time.Duration) *rateGate {
	return &rateGate{interval: interval}
}

func (g *rateGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	slot := g.last.Add(g.interval)
	if slot.Before(now) {
		slot = now
	}
	g.last = slot
	g.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
