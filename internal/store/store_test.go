package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/internal/logger"
	"tradebot/internal/models"
)

func newTestStore(t *testing.T, maxEntries int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "positions.db"), maxEntries, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenComputesAverageFromEntries(t *testing.T) {
	s := newTestStore(t, 4)

	require.NoError(t, s.Open("KRW-BTC", 100, 2, "a1"))
	require.NoError(t, s.AddEntry("KRW-BTC", 90, 2, "a2"))

	pos, err := s.Get("KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, 2, pos.EntryCount)
	assert.InDelta(t, 4.0, pos.TotalQty(), 1e-9)
	assert.InDelta(t, 95.0, pos.AvgPrice(), 1e-9)
}

func TestOpenRejectsSecondActivePosition(t *testing.T) {
	s := newTestStore(t, 4)

	require.NoError(t, s.Open("KRW-BTC", 100, 1, "a1"))

	err := s.Open("KRW-BTC", 110, 1, "a2")
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestAddEntryRequiresActivePosition(t *testing.T) {
	s := newTestStore(t, 4)

	err := s.AddEntry("KRW-BTC", 100, 1, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddEntryRespectsLimit(t *testing.T) {
	s := newTestStore(t, 2)

	require.NoError(t, s.Open("KRW-BTC", 100, 1, "a1"))
	require.NoError(t, s.AddEntry("KRW-BTC", 95, 1, "a2"))

	err := s.AddEntry("KRW-BTC", 90, 1, "a3")
	assert.ErrorIs(t, err, ErrMaxEntries)

	// Неудачная мутация не оставляет следов.
	pos, err := s.Get("KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 2, pos.EntryCount)
	assert.InDelta(t, 2.0, pos.TotalQty(), 1e-9)
}

func TestPartialReduceKeepsAverage(t *testing.T) {
	s := newTestStore(t, 4)

	require.NoError(t, s.Open("KRW-BTC", 100, 2, "a1"))
	require.NoError(t, s.AddEntry("KRW-BTC", 90, 2, "a2"))
	require.NoError(t, s.Reduce("KRW-BTC", 1, 120, "a3"))

	pos, err := s.Get("KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 3.0, pos.TotalQty(), 1e-9)
	assert.InDelta(t, 95.0, pos.AvgPrice(), 1e-9)
	assert.Equal(t, 2, pos.EntryCount)

	// Частичный выход не архивируется.
	closed, err := s.ClosedSince(time.Time{})
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func TestReduceToZeroClosesPosition(t *testing.T) {
	s := newTestStore(t, 4)

	require.NoError(t, s.Open("KRW-BTC", 100, 2, "a1"))
	require.NoError(t, s.AddEntry("KRW-BTC", 90, 2, "a2"))
	require.NoError(t, s.ClosePosition("KRW-BTC", 110, "a3"))

	pos, err := s.Get("KRW-BTC")
	require.NoError(t, err)
	assert.Nil(t, pos)

	closed, err := s.ClosedSince(time.Time{})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "KRW-BTC", closed[0].Market)
	assert.InDelta(t, 95.0, closed[0].EntryPrice, 1e-9)
	assert.InDelta(t, 110.0, closed[0].ClosePrice, 1e-9)
	assert.InDelta(t, 4.0, closed[0].Qty, 1e-9)
	assert.InDelta(t, 60.0, closed[0].PnL, 1e-9)
	assert.Equal(t, 2, closed[0].EntryCount)

	err = s.Reduce("KRW-BTC", 1, 110, "a4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReduceMoreThanHeld(t *testing.T) {
	s := newTestStore(t, 4)

	require.NoError(t, s.Open("KRW-BTC", 100, 1, "a1"))

	err := s.Reduce("KRW-BTC", 2, 110, "a2")
	assert.ErrorIs(t, err, ErrInsufficientQty)
}

func TestActionReplayIsNoOp(t *testing.T) {
	s := newTestStore(t, 4)

	require.NoError(t, s.Open("KRW-BTC", 100, 1, "a1"))
	require.NoError(t, s.Open("KRW-BTC", 100, 1, "a1"))

	require.NoError(t, s.AddEntry("KRW-BTC", 90, 1, "a2"))
	require.NoError(t, s.AddEntry("KRW-BTC", 90, 1, "a2"))

	pos, err := s.Get("KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 2, pos.EntryCount)
	assert.InDelta(t, 2.0, pos.TotalQty(), 1e-9)

	require.NoError(t, s.ClosePosition("KRW-BTC", 110, "a3"))
	require.NoError(t, s.ClosePosition("KRW-BTC", 110, "a3"))

	closed, err := s.ClosedSince(time.Time{})
	require.NoError(t, err)
	assert.Len(t, closed, 1)
}

func TestReopenAfterClose(t *testing.T) {
	s := newTestStore(t, 4)

	require.NoError(t, s.Open("KRW-BTC", 100, 1, "a1"))
	require.NoError(t, s.ClosePosition("KRW-BTC", 110, "a2"))
	require.NoError(t, s.Open("KRW-BTC", 105, 2, "a3"))

	pos, err := s.Get("KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 1, pos.EntryCount)
	assert.InDelta(t, 2.0, pos.TotalQty(), 1e-9)
	assert.InDelta(t, 105.0, pos.AvgPrice(), 1e-9)
}

func TestLoadRestoresActivePositions(t *testing.T) {
	s := newTestStore(t, 4)

	require.NoError(t, s.Open("KRW-BTC", 100, 2, "a1"))
	require.NoError(t, s.Open("KRW-ETH", 50, 4, "a2"))
	require.NoError(t, s.ClosePosition("KRW-ETH", 55, "a3"))

	positions, err := s.Load()
	require.NoError(t, err)
	require.Len(t, positions, 1)

	pos := positions["KRW-BTC"]
	require.NotNil(t, pos)
	assert.True(t, pos.Active())
	assert.InDelta(t, 2.0, pos.TotalQty(), 1e-9)
	assert.InDelta(t, 100.0, pos.AvgPrice(), 1e-9)
}

func TestLoadSkipsInconsistentRows(t *testing.T) {
	s := newTestStore(t, 4)

	require.NoError(t, s.Open("KRW-BTC", 100, 2, "a1"))
	require.NoError(t, s.Open("KRW-ETH", 50, 4, "a2"))

	// Заголовок без входов: так выглядит оборванная запись.
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO positions (market, status, opened_at, last_action_at, entry_count)
		 VALUES (?, ?, ?, ?, 1)`,
		"KRW-XRP", string(models.PositionStatusActive), now, now,
	)
	require.NoError(t, err)

	// Разъехавшийся счётчик входов.
	_, err = s.db.Exec(`UPDATE positions SET entry_count = 5 WHERE market = ?`, "KRW-ETH")
	require.NoError(t, err)

	positions, err := s.Load()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Contains(t, positions, "KRW-BTC")
}

func TestClosedSinceFiltersByTime(t *testing.T) {
	s := newTestStore(t, 4)

	require.NoError(t, s.Open("KRW-BTC", 100, 1, "a1"))
	require.NoError(t, s.ClosePosition("KRW-BTC", 110, "a2"))

	closed, err := s.ClosedSince(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, closed)
}
