package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"tradebot/internal/logger"
)

// Ошибки контракта хранилища. Это нарушения протокола вызывающего,
// они не глотаются и не ретраятся.
var (
	ErrAlreadyOpen     = errors.New("позиция уже открыта")
	ErrNotFound        = errors.New("активная позиция не найдена")
	ErrMaxEntries      = errors.New("превышен лимит входов")
	ErrInsufficientQty = errors.New("объём больше размера позиции")
)

// Store — единственный владелец долговечных позиций. WAL, чтобы цикл
// читал позиции, пока путь подтверждения ордера пишет.
type Store struct {
	db         *sql.DB
	log        *logger.Logger
	maxEntries int
}

func Open(path string, maxEntries int, log *logger.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("Не удалось создать каталог хранилища: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("Не удалось открыть хранилище: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("Хранилище не отвечает: %w", err)
	}

	s := &Store{db: db, log: log, maxEntries: maxEntries}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			market         TEXT PRIMARY KEY,
			status         TEXT NOT NULL,
			opened_at      TIMESTAMP NOT NULL,
			last_action_at TIMESTAMP NOT NULL,
			entry_count    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			market     TEXT NOT NULL REFERENCES positions(market) ON DELETE CASCADE,
			price      REAL NOT NULL,
			qty        REAL NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_market ON entries(market)`,
		`CREATE TABLE IF NOT EXISTS closed_positions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			market      TEXT NOT NULL,
			entry_price REAL NOT NULL,
			close_price REAL NOT NULL,
			qty         REAL NOT NULL,
			pnl         REAL NOT NULL,
			entry_count INTEGER NOT NULL,
			opened_at   TIMESTAMP NOT NULL,
			closed_at   TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_closed_at ON closed_positions(closed_at)`,
		`CREATE TABLE IF NOT EXISTS applied_actions (
			market     TEXT NOT NULL,
			action_id  TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			PRIMARY KEY (market, action_id)
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("Не удалось создать схему хранилища: %w", err)
		}
	}
	return nil
}

// markApplied регистрирует (market, action_id) в журнале идемпотентности.
// false — действие уже применялось, мутацию повторять нельзя.
func markApplied(tx *sql.Tx, market, actionID string) (bool, error) {
	if actionID == "" {
		return true, nil
	}
	res, err := tx.Exec(
		`INSERT INTO applied_actions (market, action_id, applied_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (market, action_id) DO NOTHING`,
		market, actionID,
	)
	if err != nil {
		return false, fmt.Errorf("Не удалось записать журнал действий: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
