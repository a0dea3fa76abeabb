package store

import (
	"database/sql"
	"fmt"
	"time"

	"tradebot/internal/models"
)

// Load восстанавливает активные позиции после рестарта. Несогласованные
// записи (заголовок без входов, входы без заголовка, разъехавшийся
// счётчик) логируются и отбрасываются — старт не падает.
func (s *Store) Load() (map[string]*models.Position, error) {
	headers, err := s.loadHeaders()
	if err != nil {
		return nil, err
	}
	entriesByMarket, err := s.loadEntries()
	if err != nil {
		return nil, err
	}

	positions := make(map[string]*models.Position, len(headers))
	for market, pos := range headers {
		entries, ok := entriesByMarket[market]
		if !ok || len(entries) == 0 {
			s.log.WithComponent("store").WithField("market", market).
				Warn("Позиция без входов, запись отброшена.")
			continue
		}
		if len(entries) != pos.EntryCount {
			s.log.WithComponent("store").WithFields(map[string]interface{}{
				"market":      market,
				"entry_count": pos.EntryCount,
				"entries":     len(entries),
			}).Warn("Счётчик входов разошёлся с входами, запись отброшена.")
			continue
		}
		pos.Entries = entries
		positions[market] = pos
	}

	for market := range entriesByMarket {
		if _, ok := headers[market]; !ok {
			s.log.WithComponent("store").WithField("market", market).
				Warn("Входы без позиции, записи отброшены.")
		}
	}

	return positions, nil
}

func (s *Store) loadHeaders() (map[string]*models.Position, error) {
	rows, err := s.db.Query(
		`SELECT market, status, opened_at, last_action_at, entry_count
		 FROM positions WHERE status = ?`,
		string(models.PositionStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("Не удалось прочитать позиции: %w", err)
	}
	defer rows.Close()

	headers := make(map[string]*models.Position)
	for rows.Next() {
		pos := &models.Position{}
		var status string
		if err := rows.Scan(&pos.Market, &status, &pos.OpenedAt, &pos.LastActionAt, &pos.EntryCount); err != nil {
			return nil, fmt.Errorf("Не удалось прочитать позицию: %w", err)
		}
		pos.Status = models.PositionStatus(status)
		headers[pos.Market] = pos
	}
	return headers, rows.Err()
}

func (s *Store) loadEntries() (map[string][]models.Entry, error) {
	rows, err := s.db.Query(`SELECT market, price, qty, created_at FROM entries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("Не удалось прочитать входы: %w", err)
	}
	defer rows.Close()

	entries := make(map[string][]models.Entry)
	for rows.Next() {
		var market string
		var e models.Entry
		if err := rows.Scan(&market, &e.Price, &e.Qty, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("Не удалось прочитать вход: %w", err)
		}
		entries[market] = append(entries[market], e)
	}
	return entries, rows.Err()
}

// Get возвращает активную позицию рынка или nil.
func (s *Store) Get(market string) (*models.Position, error) {
	pos := &models.Position{}
	var status string
	err := s.db.QueryRow(
		`SELECT market, status, opened_at, last_action_at, entry_count
		 FROM positions WHERE market = ? AND status = ?`,
		market, string(models.PositionStatusActive),
	).Scan(&pos.Market, &status, &pos.OpenedAt, &pos.LastActionAt, &pos.EntryCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Не удалось прочитать позицию: %w", err)
	}
	pos.Status = models.PositionStatus(status)

	rows, err := s.db.Query(`SELECT price, qty, created_at FROM entries WHERE market = ? ORDER BY id`, market)
	if err != nil {
		return nil, fmt.Errorf("Не удалось прочитать входы: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e models.Entry
		if err := rows.Scan(&e.Price, &e.Qty, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("Не удалось прочитать вход: %w", err)
		}
		pos.Entries = append(pos.Entries, e)
	}
	return pos, rows.Err()
}

// ClosedSince — архив закрытий для отчётов; живой цикл его не читает.
func (s *Store) ClosedSince(since time.Time) ([]models.ClosedPosition, error) {
	rows, err := s.db.Query(
		`SELECT market, entry_price, close_price, qty, pnl, entry_count, opened_at, closed_at
		 FROM closed_positions WHERE closed_at >= ? ORDER BY closed_at`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("Не удалось прочитать архив: %w", err)
	}
	defer rows.Close()

	var closed []models.ClosedPosition
	for rows.Next() {
		var c models.ClosedPosition
		if err := rows.Scan(&c.Market, &c.EntryPrice, &c.ClosePrice, &c.Qty, &c.PnL,
			&c.EntryCount, &c.OpenedAt, &c.ClosedAt); err != nil {
			return nil, fmt.Errorf("Не удалось прочитать архивную запись: %w", err)
		}
		closed = append(closed, c)
	}
	return closed, rows.Err()
}
