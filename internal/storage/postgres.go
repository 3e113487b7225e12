package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/chrissnell/smpcalibrate/internal/calibration"
	"github.com/chrissnell/smpcalibrate/internal/log"
	"github.com/chrissnell/smpcalibrate/internal/scaling"
)

const postgresBatchSize = 500

// PostgresStore keeps calibration runs in a shared PostgreSQL database.
type PostgresStore struct {
	DB     *gorm.DB
	logger *zap.SugaredLogger
}

// NewPostgresStore connects to dsn and migrates the calibration tables.
func NewPostgresStore(dsn string, zlog *zap.SugaredLogger) (*PostgresStore, error) {
	if zlog == nil {
		zlog = zap.NewNop().Sugar()
	}

	dbLogger := logger.New(
		zap.NewStdLog(log.GetZapLogger()),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	zlog.Info("connecting to PostgreSQL...")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: dbLogger})
	if err != nil {
		return nil, fmt.Errorf("unable to create a PostgreSQL connection: %w", err)
	}

	if err := db.AutoMigrate(&runRow{}, &matchRow{}, &sampleRow{}, &modelRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate calibration tables: %w", err)
	}
	zlog.Info("PostgreSQL connection successful")

	return &PostgresStore{DB: db, logger: zlog}, nil
}

// Close closes the underlying connection pool.
func (p *PostgresStore) Close() error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *PostgresStore) CreateRun(ctx context.Context, run Run) error {
	row := toRunRow(run)
	if err := p.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert run %s: %w", row.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	var row runRow
	err := p.DB.WithContext(ctx).Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to query run %s: %w", id, err)
	}
	return row.run()
}

func (p *PostgresStore) SaveMatches(ctx context.Context, runID uuid.UUID, results []scaling.MatchResult) error {
	if len(results) == 0 {
		return nil
	}
	rows := make([]matchRow, len(results))
	for i, r := range results {
		row, err := toMatchRow(runID, r)
		if err != nil {
			return fmt.Errorf("%s: %w", r.File, err)
		}
		rows[i] = row
	}
	if err := p.DB.WithContext(ctx).CreateInBatches(rows, postgresBatchSize).Error; err != nil {
		return fmt.Errorf("failed to insert match results: %w", err)
	}
	p.logger.Debugf("stored %d match results for run %s", len(rows), runID)
	return nil
}

func (p *PostgresStore) Matches(ctx context.Context, runID uuid.UUID) ([]scaling.MatchResult, error) {
	var rows []matchRow
	if err := p.DB.WithContext(ctx).Where("run_id = ?", runID.String()).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	out := make([]scaling.MatchResult, 0, len(rows))
	for _, row := range rows {
		r, err := row.result()
		if err != nil {
			return nil, fmt.Errorf("match row %d: %w", row.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *PostgresStore) SaveSamples(ctx context.Context, runID uuid.UUID, samples []scaling.CalibratedSample) error {
	defined := scaling.Rows(samples)
	if len(defined) == 0 {
		return nil
	}
	rows := make([]sampleRow, len(defined))
	for i, s := range defined {
		rows[i] = toSampleRow(runID, s)
	}
	if err := p.DB.WithContext(ctx).CreateInBatches(rows, postgresBatchSize).Error; err != nil {
		return fmt.Errorf("failed to insert calibrated samples: %w", err)
	}
	return nil
}

func (p *PostgresStore) Samples(ctx context.Context, runID uuid.UUID) ([]scaling.CalibratedSample, error) {
	var rows []sampleRow
	if err := p.DB.WithContext(ctx).Where("run_id = ?", runID.String()).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	out := make([]scaling.CalibratedSample, len(rows))
	for i, row := range rows {
		out[i] = row.sample()
	}
	return out, nil
}

func (p *PostgresStore) SaveModel(ctx context.Context, runID uuid.UUID, model calibration.Model) error {
	row, err := toModelRow(runID, model)
	if err != nil {
		return err
	}
	err = p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"form", "rmse", "r2", "body"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to store model for run %s: %w", runID, err)
	}
	return nil
}

func (p *PostgresStore) Model(ctx context.Context, runID uuid.UUID) (calibration.Model, error) {
	var row modelRow
	err := p.DB.WithContext(ctx).Where("run_id = ?", runID.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return calibration.Model{}, fmt.Errorf("model for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return calibration.Model{}, fmt.Errorf("failed to query model for run %s: %w", runID, err)
	}
	return row.model()
}
