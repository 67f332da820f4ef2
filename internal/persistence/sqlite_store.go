package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/modpack-downloader/internal/jobs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore keeps summaries of finished jobs. Live job state never touches it.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// RecordJob inserts or replaces the summary of a finished job.
func (s *SQLiteStore) RecordJob(ctx context.Context, summary jobs.Summary) error {
	if strings.TrimSpace(summary.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	results := summary.Results
	if results == nil {
		results = []jobs.ProcessingResult{}
	}
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO job_history (
			id, status, game_version, loader, total_items, succeeded, artifact, error, results_json, created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			game_version=excluded.game_version,
			loader=excluded.loader,
			total_items=excluded.total_items,
			succeeded=excluded.succeeded,
			artifact=excluded.artifact,
			error=excluded.error,
			results_json=excluded.results_json,
			finished_at=excluded.finished_at`,
		summary.ID,
		string(summary.Status),
		summary.Target.GameVersion,
		summary.Target.Loader,
		summary.TotalItems,
		summary.Succeeded,
		summary.Artifact,
		summary.Error,
		string(payload),
		summary.CreatedAt.UTC(),
		summary.FinishedAt.UTC(),
	)
	return err
}

// ListJobs returns the most recently finished jobs first.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]jobs.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, status, game_version, loader, total_items, succeeded, artifact, error, results_json, created_at, finished_at
		 FROM job_history
		 ORDER BY finished_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]jobs.Summary, 0)
	for rows.Next() {
		item, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (jobs.Summary, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, status, game_version, loader, total_items, succeeded, artifact, error, results_json, created_at, finished_at
		 FROM job_history
		 WHERE id = ?`,
		id,
	)
	item, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Summary{}, false, nil
	}
	if err != nil {
		return jobs.Summary{}, false, err
	}
	return item, true, nil
}

// DeleteFinishedBefore drops history rows for jobs finished before cutoff.
func (s *SQLiteStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_history WHERE finished_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (jobs.Summary, error) {
	var item jobs.Summary
	var status, resultsJSON string
	if err := row.Scan(
		&item.ID,
		&status,
		&item.Target.GameVersion,
		&item.Target.Loader,
		&item.TotalItems,
		&item.Succeeded,
		&item.Artifact,
		&item.Error,
		&resultsJSON,
		&item.CreatedAt,
		&item.FinishedAt,
	); err != nil {
		return jobs.Summary{}, err
	}
	item.Status = jobs.Status(status)
	item.Results = []jobs.ProcessingResult{}
	if err := json.Unmarshal([]byte(resultsJSON), &item.Results); err != nil {
		return jobs.Summary{}, fmt.Errorf("decode results of %s: %w", item.ID, err)
	}
	return item, nil
}
