package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stepsync/pkg/model"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

//goland:noinspection SqlDialectInspection
const createRunStates = `
  CREATE TABLE IF NOT EXISTS run_states (
  run_id VARCHAR(255) NOT NULL PRIMARY KEY,
  step_counter BIGINT NOT NULL,
  state TEXT NOT NULL
  );`

// SQLStore 把状态存到一张表里，sqlite 和 mysql 共用同一套 SQL
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLiteStore 打开 (或创建) 一个 sqlite 文件
func NewSQLiteStore(path string) (*SQLStore, error) {
	return openSQL("sqlite3", path)
}

// NewMySQLStore dsn 形如 user:pass@tcp(127.0.0.1:3306)/stepsync
func NewMySQLStore(dsn string) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return openSQL("mysql", cfg.FormatDSN())
}

func openSQL(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if _, err := db.Exec(createRunStates); err != nil {
		db.Close()
		return nil, fmt.Errorf("create run_states: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func (s *SQLStore) LoadState(ctx context.Context, runID string) (*model.RunState, error) {
	var buf string
	row := s.db.QueryRowContext(ctx, "SELECT state FROM run_states WHERE run_id=?", runID)
	if err := row.Scan(&buf); err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	var state model.RunState
	if err := json.Unmarshal([]byte(buf), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *SQLStore) SaveState(ctx context.Context, state *model.RunState) error {
	buf, err := json.Marshal(state)
	if err != nil {
		return err
	}
	// REPLACE INTO 在 sqlite 和 mysql 中都是 upsert
	_, err = s.db.ExecContext(ctx,
		"REPLACE INTO run_states (run_id, step_counter, state) VALUES (?, ?, ?)",
		state.RunID, state.StepCounter, string(buf))
	return err
}

func (s *SQLStore) DeleteState(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM run_states WHERE run_id=?", runID)
	return err
}

func (s *SQLStore) WatchState(ctx context.Context, runID string) <-chan StateEvent {
	return pollWatch(ctx, runID, DefaultPollInterval, s.LoadState)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
