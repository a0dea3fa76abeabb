package upbit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"tradebot/internal/logger"
)

// Переподписка по расписанию может совпасть с остановкой; гонки по
// wsClient ловит -race.
func TestSubscribeAndCloseFeedConcurrently(t *testing.T) {
	c := New("http://127.0.0.1:0", "ws://127.0.0.1:0", "", "", logger.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Subscribe(context.Background(), []string{"KRW-BTC"})
			c.CloseFeed()
		}()
	}
	wg.Wait()

	c.CloseFeed()
	assert.Nil(t, c.wsClient)
}
