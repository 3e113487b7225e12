// Package storage persists calibration runs: match results, calibrated
// samples and fitted models.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/chrissnell/smpcalibrate/internal/calibration"
	"github.com/chrissnell/smpcalibrate/internal/scaling"
	"github.com/chrissnell/smpcalibrate/internal/smp"
)

// ErrNotFound is returned when a run or model does not exist.
var ErrNotFound = errors.New("not found")

// Backend names accepted by Open.
const (
	BackendNone     = "none"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Store is a persistence backend for calibration runs.
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	SaveMatches(ctx context.Context, runID uuid.UUID, results []scaling.MatchResult) error
	Matches(ctx context.Context, runID uuid.UUID) ([]scaling.MatchResult, error)
	SaveSamples(ctx context.Context, runID uuid.UUID, samples []scaling.CalibratedSample) error
	Samples(ctx context.Context, runID uuid.UUID) ([]scaling.CalibratedSample, error)
	SaveModel(ctx context.Context, runID uuid.UUID, model calibration.Model) error
	Model(ctx context.Context, runID uuid.UUID) (calibration.Model, error)
	Close() error
}

// Run describes one invocation of the pipeline.
type Run struct {
	ID         uuid.UUID
	StartedAt  time.Time
	Property   smp.Property
	Seed       uint64
	Candidates int
	Note       string
}

// NewRun returns a run with a fresh random ID.
func NewRun(property smp.Property, seed uint64, candidates int) Run {
	return Run{
		ID:         uuid.New(),
		StartedAt:  time.Now().UTC().Truncate(time.Second),
		Property:   property,
		Seed:       seed,
		Candidates: candidates,
	}
}

// Open connects to the named backend. BackendNone returns a nil Store.
func Open(backend, dsn string, logger *zap.SugaredLogger) (Store, error) {
	switch backend {
	case "", BackendNone:
		return nil, nil
	case BackendSQLite:
		s, err := NewSQLiteStore(dsn, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		s, err := NewPostgresStore(dsn, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// runRow is the stored form of a Run.
type runRow struct {
	ID         string    `gorm:"primaryKey;column:id"`
	StartedAt  time.Time `gorm:"column:started_at;not null"`
	Property   string    `gorm:"column:property"`
	Seed       int64     `gorm:"column:seed"`
	Candidates int       `gorm:"column:candidates"`
	Note       string    `gorm:"column:note"`
}

func (runRow) TableName() string {
	return "calibration_runs"
}

func toRunRow(r Run) runRow {
	return runRow{
		ID:         r.ID.String(),
		StartedAt:  r.StartedAt,
		Property:   string(r.Property),
		Seed:       int64(r.Seed),
		Candidates: r.Candidates,
		Note:       r.Note,
	}
}

func (row runRow) run() (Run, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return Run{}, fmt.Errorf("run id %q: %w", row.ID, err)
	}
	return Run{
		ID:         id,
		StartedAt:  row.StartedAt,
		Property:   smp.Property(row.Property),
		Seed:       uint64(row.Seed),
		Candidates: row.Candidates,
		Note:       row.Note,
	}, nil
}

// matchRow is the stored form of a MatchResult. The candidate, the RMSE
// population and the comparisons are msgpack blobs.
type matchRow struct {
	ID         uint    `gorm:"primaryKey;autoIncrement;column:id"`
	RunID      string  `gorm:"column:run_id;index;not null"`
	Site       string  `gorm:"column:site"`
	RefType    string  `gorm:"column:ref_type"`
	SMPFile    string  `gorm:"column:smp_file"`
	RMSE       float64 `gorm:"column:rmse"`
	Idx        int     `gorm:"column:idx"`
	NoOverlap  bool    `gorm:"column:no_overlap"`
	Candidate  []byte  `gorm:"column:candidate"`
	Population []byte  `gorm:"column:population"`
	Compared   []byte  `gorm:"column:compared"`
}

func (matchRow) TableName() string {
	return "match_results"
}

func toMatchRow(runID uuid.UUID, r scaling.MatchResult) (matchRow, error) {
	row := matchRow{
		RunID:     runID.String(),
		Site:      r.Site,
		RefType:   string(r.RefType),
		SMPFile:   r.File,
		RMSE:      r.RMSE,
		Idx:       r.Index,
		NoOverlap: r.NoOverlap,
	}
	var err error
	if row.Candidate, err = msgpack.Marshal(r.Best); err != nil {
		return matchRow{}, fmt.Errorf("encode candidate: %w", err)
	}
	if row.Population, err = msgpack.Marshal(r.Population); err != nil {
		return matchRow{}, fmt.Errorf("encode population: %w", err)
	}
	if row.Compared, err = msgpack.Marshal(r.Compared); err != nil {
		return matchRow{}, fmt.Errorf("encode comparisons: %w", err)
	}
	return row, nil
}

func (row matchRow) result() (scaling.MatchResult, error) {
	r := scaling.MatchResult{
		Site:      row.Site,
		RefType:   smp.Property(row.RefType),
		File:      row.SMPFile,
		RMSE:      row.RMSE,
		Index:     row.Idx,
		NoOverlap: row.NoOverlap,
	}
	if err := msgpack.Unmarshal(row.Candidate, &r.Best); err != nil {
		return scaling.MatchResult{}, fmt.Errorf("decode candidate: %w", err)
	}
	if err := msgpack.Unmarshal(row.Population, &r.Population); err != nil {
		return scaling.MatchResult{}, fmt.Errorf("decode population: %w", err)
	}
	if err := msgpack.Unmarshal(row.Compared, &r.Compared); err != nil {
		return scaling.MatchResult{}, fmt.Errorf("decode comparisons: %w", err)
	}
	return r, nil
}

// sampleRow is the stored form of a defined CalibratedSample.
type sampleRow struct {
	ID             uint    `gorm:"primaryKey;autoIncrement;column:id"`
	RunID          string  `gorm:"column:run_id;index;not null"`
	Site           string  `gorm:"column:site"`
	SMPFile        string  `gorm:"column:smp_file"`
	RefType        string  `gorm:"column:ref_type"`
	RefHeight      float64 `gorm:"column:ref_height"`
	RefValue       float64 `gorm:"column:ref_value"`
	Value          float64 `gorm:"column:value"`
	Count          int     `gorm:"column:count"`
	Median         float64 `gorm:"column:median"`
	StdDev         float64 `gorm:"column:stdev"`
	Force          float64 `gorm:"column:force_median"`
	ElementSize    float64 `gorm:"column:l"`
	OriginalTop    float64 `gorm:"column:original_top"`
	OriginalBottom float64 `gorm:"column:original_bottom"`
}

func (sampleRow) TableName() string {
	return "calibrated_samples"
}

func toSampleRow(runID uuid.UUID, s scaling.CalibratedSample) sampleRow {
	return sampleRow{
		RunID:          runID.String(),
		Site:           s.Site,
		SMPFile:        s.File,
		RefType:        string(s.RefType),
		RefHeight:      s.RefHeight,
		RefValue:       s.RefValue,
		Value:          s.Value,
		Count:          s.Count,
		Median:         s.Median,
		StdDev:         s.StdDev,
		Force:          s.Force,
		ElementSize:    s.ElementSize,
		OriginalTop:    s.OriginalTop,
		OriginalBottom: s.OriginalBottom,
	}
}

func (row sampleRow) sample() scaling.CalibratedSample {
	return scaling.CalibratedSample{
		Site:           row.Site,
		File:           row.SMPFile,
		RefType:        smp.Property(row.RefType),
		RefHeight:      row.RefHeight,
		RefValue:       row.RefValue,
		Value:          row.Value,
		Count:          row.Count,
		Median:         row.Median,
		StdDev:         row.StdDev,
		Force:          row.Force,
		ElementSize:    row.ElementSize,
		OriginalTop:    row.OriginalTop,
		OriginalBottom: row.OriginalBottom,
		Defined:        true,
	}
}

// modelRow stores a fitted model as a msgpack body with a few queryable columns.
type modelRow struct {
	RunID string  `gorm:"primaryKey;column:run_id"`
	Form  string  `gorm:"column:form"`
	RMSE  float64 `gorm:"column:rmse"`
	R2    float64 `gorm:"column:r2"`
	Body  []byte  `gorm:"column:body"`
}

func (modelRow) TableName() string {
	return "calibration_models"
}

func toModelRow(runID uuid.UUID, m calibration.Model) (modelRow, error) {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return modelRow{}, fmt.Errorf("encode model: %w", err)
	}
	return modelRow{RunID: runID.String(), Form: string(m.Form), RMSE: m.RMSE, R2: m.R2, Body: body}, nil
}

func (row modelRow) model() (calibration.Model, error) {
	var m calibration.Model
	if err := msgpack.Unmarshal(row.Body, &m); err != nil {
		return calibration.Model{}, fmt.Errorf("decode model: %w", err)
	}
	return m, nil
}
