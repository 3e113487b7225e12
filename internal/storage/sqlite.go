package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/chrissnell/smpcalibrate/internal/calibration"
	"github.com/chrissnell/smpcalibrate/internal/scaling"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS calibration_runs (
	id          TEXT PRIMARY KEY,
	started_at  TIMESTAMP NOT NULL,
	property    TEXT,
	seed        INTEGER,
	candidates  INTEGER,
	note        TEXT
);
CREATE TABLE IF NOT EXISTS match_results (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL REFERENCES calibration_runs(id),
	site        TEXT,
	ref_type    TEXT,
	smp_file    TEXT,
	rmse        REAL,
	idx         INTEGER,
	no_overlap  INTEGER,
	candidate   BLOB,
	population  BLOB,
	compared    BLOB
);
CREATE INDEX IF NOT EXISTS idx_match_results_run_id ON match_results(run_id);
CREATE TABLE IF NOT EXISTS calibrated_samples (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT NOT NULL REFERENCES calibration_runs(id),
	site            TEXT,
	smp_file        TEXT,
	ref_type        TEXT,
	ref_height      REAL,
	ref_value       REAL,
	value           REAL,
	count           INTEGER,
	median          REAL,
	stdev           REAL,
	force_median    REAL,
	l               REAL,
	original_top    REAL,
	original_bottom REAL
);
CREATE INDEX IF NOT EXISTS idx_calibrated_samples_run_id ON calibrated_samples(run_id);
CREATE TABLE IF NOT EXISTS calibration_models (
	run_id  TEXT PRIMARY KEY REFERENCES calibration_runs(id),
	form    TEXT,
	rmse    REAL,
	r2      REAL,
	body    BLOB
);
`

// SQLiteStore keeps calibration runs in a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	logger *zap.SugaredLogger
}

// NewSQLiteStore opens (and if needed creates) the database at dbPath.
func NewSQLiteStore(dbPath string, logger *zap.SugaredLogger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// a single connection keeps ":memory:" databases alive across calls
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Debugf("opened SQLite store at %s", dbPath)
	return &SQLiteStore{db: db, dbPath: dbPath, logger: logger}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run Run) error {
	row := toRunRow(run)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calibration_runs (id, started_at, property, seed, candidates, note) VALUES (?, ?, ?, ?, ?, ?)`,
		row.ID, row.StartedAt.UTC().Format(time.RFC3339), row.Property, row.Seed, row.Candidates, row.Note)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	var (
		row     runRow
		started string
		note    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, property, seed, candidates, note FROM calibration_runs WHERE id = ?`,
		id.String()).Scan(&row.ID, &started, &row.Property, &row.Seed, &row.Candidates, &note)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to query run %s: %w", id, err)
	}
	if row.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
		return Run{}, fmt.Errorf("run %s start time: %w", id, err)
	}
	if note.Valid {
		row.Note = note.String
	}
	return row.run()
}

// withTx runs fn in a transaction and commits it if fn succeeds.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveMatches(ctx context.Context, runID uuid.UUID, results []scaling.MatchResult) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO match_results
			(run_id, site, ref_type, smp_file, rmse, idx, no_overlap, candidate, population, compared)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare match insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range results {
			row, err := toMatchRow(runID, r)
			if err != nil {
				return fmt.Errorf("%s: %w", r.File, err)
			}
			if _, err := stmt.ExecContext(ctx, row.RunID, row.Site, row.RefType, row.SMPFile, row.RMSE,
				row.Idx, row.NoOverlap, row.Candidate, row.Population, row.Compared); err != nil {
				return fmt.Errorf("failed to insert match for %s: %w", r.File, err)
			}
		}
		s.logger.Debugf("stored %d match results for run %s", len(results), runID)
		return nil
	})
}

func (s *SQLiteStore) Matches(ctx context.Context, runID uuid.UUID) ([]scaling.MatchResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, site, ref_type, smp_file, rmse, idx, no_overlap,
		candidate, population, compared FROM match_results WHERE run_id = ? ORDER BY id`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	var out []scaling.MatchResult
	for rows.Next() {
		var row matchRow
		if err := rows.Scan(&row.ID, &row.RunID, &row.Site, &row.RefType, &row.SMPFile, &row.RMSE, &row.Idx,
			&row.NoOverlap, &row.Candidate, &row.Population, &row.Compared); err != nil {
			return nil, fmt.Errorf("failed to scan match row: %w", err)
		}
		r, err := row.result()
		if err != nil {
			return nil, fmt.Errorf("match row %d: %w", row.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveSamples(ctx context.Context, runID uuid.UUID, samples []scaling.CalibratedSample) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO calibrated_samples
			(run_id, site, smp_file, ref_type, ref_height, ref_value, value, count, median, stdev,
			 force_median, l, original_top, original_bottom)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare sample insert: %w", err)
		}
		defer stmt.Close()

		for _, cs := range scaling.Rows(samples) {
			row := toSampleRow(runID, cs)
			if _, err := stmt.ExecContext(ctx, row.RunID, row.Site, row.SMPFile, row.RefType, row.RefHeight,
				row.RefValue, row.Value, row.Count, row.Median, row.StdDev, row.Force, row.ElementSize,
				row.OriginalTop, row.OriginalBottom); err != nil {
				return fmt.Errorf("failed to insert sample for %s: %w", row.SMPFile, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Samples(ctx context.Context, runID uuid.UUID) ([]scaling.CalibratedSample, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT site, smp_file, ref_type, ref_height, ref_value, value, count,
		median, stdev, force_median, l, original_top, original_bottom
		FROM calibrated_samples WHERE run_id = ? ORDER BY id`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var out []scaling.CalibratedSample
	for rows.Next() {
		var row sampleRow
		if err := rows.Scan(&row.Site, &row.SMPFile, &row.RefType, &row.RefHeight, &row.RefValue, &row.Value,
			&row.Count, &row.Median, &row.StdDev, &row.Force, &row.ElementSize,
			&row.OriginalTop, &row.OriginalBottom); err != nil {
			return nil, fmt.Errorf("failed to scan sample row: %w", err)
		}
		out = append(out, row.sample())
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveModel(ctx context.Context, runID uuid.UUID, model calibration.Model) error {
	row, err := toModelRow(runID, model)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO calibration_models (run_id, form, rmse, r2, body) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET form = excluded.form, rmse = excluded.rmse, r2 = excluded.r2, body = excluded.body`,
		row.RunID, row.Form, row.RMSE, row.R2, row.Body)
	if err != nil {
		return fmt.Errorf("failed to store model for run %s: %w", runID, err)
	}
	return nil
}

func (s *SQLiteStore) Model(ctx context.Context, runID uuid.UUID) (calibration.Model, error) {
	var row modelRow
	err := s.db.QueryRowContext(ctx, `SELECT run_id, form, rmse, r2, body FROM calibration_models WHERE run_id = ?`,
		runID.String()).Scan(&row.RunID, &row.Form, &row.RMSE, &row.R2, &row.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return calibration.Model{}, fmt.Errorf("model for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return calibration.Model{}, fmt.Errorf("failed to query model for run %s: %w", runID, err)
	}
	return row.model()
}
