package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hitushen/fnshortcut/internal/models"
)

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("run not found")

// Store 封装了对 SQLite 任务历史库的持久化访问。
type Store struct {
	DB *sql.DB
}

// New 根据给定的 SQLite 文件路径初始化 Store。
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite 更适合单写入，这里保持简单配置。

	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close 释放数据库资源。
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			warnings INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);`,
	}
	for _, stmt := range schema {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// MarkInterrupted 将上次进程退出时仍处于运行中的任务标记为中断，返回受影响条数。
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE runs SET status = ?, finished_at = ? WHERE status = ?`,
		models.RunStatusInterrupted, time.Now().UTC(), models.RunStatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BeginRun 记录一次开始执行的任务。
func (s *Store) BeginRun(ctx context.Context, id string, kind models.RunKind, startedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO runs (id, kind, status, started_at) VALUES (?, ?, ?, ?)`,
		id, string(kind), models.RunStatusRunning, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun 写入任务结果。
func (s *Store) FinishRun(ctx context.Context, id string, rep models.Report, finishedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE runs SET status = ?, warnings = ?, failures = ?, finished_at = ? WHERE id = ?`,
		models.RunStatusCompleted, rep.Warnings, rep.Failures, finishedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun 按 ID 读取任务记录。
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, kind, status, warnings, failures, started_at, finished_at FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListRuns 按开始时间倒序返回最近 limit 条任务记录。
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, kind, status, warnings, failures, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*models.Run, error) {
	var run models.Run
	var kind string
	var finished sql.NullTime
	if err := sc.Scan(&run.ID, &kind, &run.Status, &run.Warnings, &run.Failures, &run.StartedAt, &finished); err != nil {
		return nil, err
	}
	run.Kind = models.RunKind(kind)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}
