package store

import (
	"database/sql"
	"fmt"
	"time"

	"tradebot/internal/models"
)

const qtyEpsilon = 1e-9

// Open создаёт позицию первым входом. На рынок — не больше одной
// активной позиции.
func (s *Store) Open(market string, price, qty float64, actionID string) error {
	if qty <= 0 {
		return fmt.Errorf("Некорректный объём входа: %f", qty)
	}

	return s.inTx(func(tx *sql.Tx) error {
		fresh, err := markApplied(tx, market, actionID)
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}

		var status string
		err = tx.QueryRow(`SELECT status FROM positions WHERE market = ?`, market).Scan(&status)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return fmt.Errorf("Не удалось прочитать позицию: %w", err)
		case status == string(models.PositionStatusActive):
			return fmt.Errorf("%w: %s", ErrAlreadyOpen, market)
		default:
			// Закрытая строка заголовка переоткрывается заново.
			if _, err := tx.Exec(`DELETE FROM positions WHERE market = ?`, market); err != nil {
				return fmt.Errorf("Не удалось очистить закрытую позицию: %w", err)
			}
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(
			`INSERT INTO positions (market, status, opened_at, last_action_at, entry_count)
			 VALUES (?, ?, ?, ?, 1)`,
			market, string(models.PositionStatusActive), now, now,
		); err != nil {
			return fmt.Errorf("Не удалось создать позицию: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO entries (market, price, qty, created_at) VALUES (?, ?, ?, ?)`,
			market, price, qty, now,
		); err != nil {
			return fmt.Errorf("Не удалось записать вход: %w", err)
		}
		return nil
	})
}

// AddEntry добавляет вход в активную позицию. Заголовок и строка входа
// пишутся одной транзакцией: падение между ними не наблюдаемо.
func (s *Store) AddEntry(market string, price, qty float64, actionID string) error {
	if qty <= 0 {
		return fmt.Errorf("Некорректный объём входа: %f", qty)
	}

	return s.inTx(func(tx *sql.Tx) error {
		fresh, err := markApplied(tx, market, actionID)
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}

		var status string
		var entryCount int
		err = tx.QueryRow(
			`SELECT status, entry_count FROM positions WHERE market = ?`, market,
		).Scan(&status, &entryCount)
		if err == sql.ErrNoRows || (err == nil && status != string(models.PositionStatusActive)) {
			return fmt.Errorf("%w: %s", ErrNotFound, market)
		}
		if err != nil {
			return fmt.Errorf("Не удалось прочитать позицию: %w", err)
		}
		if entryCount >= s.maxEntries {
			return fmt.Errorf("%w: %s (%d)", ErrMaxEntries, market, entryCount)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(
			`UPDATE positions SET entry_count = entry_count + 1, last_action_at = ? WHERE market = ?`,
			now, market,
		); err != nil {
			return fmt.Errorf("Не удалось обновить позицию: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO entries (market, price, qty, created_at) VALUES (?, ?, ?, ?)`,
			market, price, qty, now,
		); err != nil {
			return fmt.Errorf("Не удалось записать вход: %w", err)
		}
		return nil
	})
}

// Reduce срезает позицию на qty пропорционально по входам. Дойдя до
// нуля, в той же транзакции закрывает позицию и пишет архивную запись.
func (s *Store) Reduce(market string, qty, closePrice float64, actionID string) error {
	if qty <= 0 {
		return fmt.Errorf("Некорректный объём сокращения: %f", qty)
	}

	return s.inTx(func(tx *sql.Tx) error {
		fresh, err := markApplied(tx, market, actionID)
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
		return s.reduceTx(tx, market, qty, closePrice)
	})
}

// ClosePosition — полный выход: Reduce на весь объём позиции.
func (s *Store) ClosePosition(market string, closePrice float64, actionID string) error {
	return s.inTx(func(tx *sql.Tx) error {
		fresh, err := markApplied(tx, market, actionID)
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}

		total, err := totalQtyTx(tx, market)
		if err != nil {
			return err
		}
		return s.reduceTx(tx, market, total, closePrice)
	})
}

func (s *Store) reduceTx(tx *sql.Tx, market string, qty, closePrice float64) error {
	var status string
	var entryCount int
	var openedAt time.Time
	err := tx.QueryRow(
		`SELECT status, entry_count, opened_at FROM positions WHERE market = ?`, market,
	).Scan(&status, &entryCount, &openedAt)
	if err == sql.ErrNoRows || (err == nil && status != string(models.PositionStatusActive)) {
		return fmt.Errorf("%w: %s", ErrNotFound, market)
	}
	if err != nil {
		return fmt.Errorf("Не удалось прочитать позицию: %w", err)
	}

	rows, err := tx.Query(`SELECT id, price, qty FROM entries WHERE market = ? ORDER BY id`, market)
	if err != nil {
		return fmt.Errorf("Не удалось прочитать входы: %w", err)
	}
	type entryRow struct {
		id    int64
		price float64
		qty   float64
	}
	var entries []entryRow
	var total, cost float64
	for rows.Next() {
		var e entryRow
		if err := rows.Scan(&e.id, &e.price, &e.qty); err != nil {
			rows.Close()
			return fmt.Errorf("Не удалось прочитать вход: %w", err)
		}
		entries = append(entries, e)
		total += e.qty
		cost += e.price * e.qty
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("Не удалось перебрать входы: %w", err)
	}

	if qty > total+qtyEpsilon {
		return fmt.Errorf("%w: %s (%f > %f)", ErrInsufficientQty, market, qty, total)
	}

	avgPrice := 0.0
	if total > 0 {
		avgPrice = cost / total
	}
	now := time.Now().UTC()
	remaining := total - qty

	if remaining <= qtyEpsilon {
		if _, err := tx.Exec(`DELETE FROM entries WHERE market = ?`, market); err != nil {
			return fmt.Errorf("Не удалось удалить входы: %w", err)
		}
		if _, err := tx.Exec(
			`UPDATE positions SET status = ?, last_action_at = ? WHERE market = ?`,
			string(models.PositionStatusClosed), now, market,
		); err != nil {
			return fmt.Errorf("Не удалось закрыть позицию: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO closed_positions
			 (market, entry_price, close_price, qty, pnl, entry_count, opened_at, closed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			market, avgPrice, closePrice, total, (closePrice-avgPrice)*total,
			entryCount, openedAt, now,
		); err != nil {
			return fmt.Errorf("Не удалось записать архив: %w", err)
		}
		return nil
	}

	// Частичный выход: каждый вход худеет в одной пропорции, средняя
	// цена позиции не меняется.
	factor := remaining / total
	for _, e := range entries {
		if _, err := tx.Exec(`UPDATE entries SET qty = ? WHERE id = ?`, e.qty*factor, e.id); err != nil {
			return fmt.Errorf("Не удалось обновить вход: %w", err)
		}
	}
	if _, err := tx.Exec(
		`UPDATE positions SET last_action_at = ? WHERE market = ?`, now, market,
	); err != nil {
		return fmt.Errorf("Не удалось обновить позицию: %w", err)
	}
	return nil
}

func totalQtyTx(tx *sql.Tx, market string) (float64, error) {
	var total sql.NullFloat64
	err := tx.QueryRow(`SELECT SUM(qty) FROM entries WHERE market = ?`, market).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("Не удалось посчитать объём позиции: %w", err)
	}
	if !total.Valid || total.Float64 <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, market)
	}
	return total.Float64, nil
}

func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("Не удалось открыть транзакцию: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Не удалось зафиксировать транзакцию: %w", err)
	}
	return nil
}
