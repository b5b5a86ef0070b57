// Package auditlog appends one row per pipeline run to the relational
// matopiba_runs table. Writes are idempotent upserts keyed on the run's
// updated_at timestamp, so a task retry never produces duplicate rows.
package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/evaonline/matopiba/internal/types"
	"github.com/jackc/pgtype"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RunRecord is one historical pipeline run.
type RunRecord struct {
	ID          uint         `gorm:"primaryKey"`
	RunLabel    string       `gorm:"index;not null"`
	UpdatedAt   time.Time    `gorm:"uniqueIndex:idx_matopiba_runs_updated_at,sort:desc;not null;autoUpdateTime:false"`
	NCities     int          `gorm:"not null"`
	R2          *float64
	RMSE        *float64
	Bias        *float64
	MAE         *float64
	SuccessRate float64      `gorm:"not null"`
	Quality     string       `gorm:"index;not null"`
	Metadata    pgtype.JSONB `gorm:"column:metadata_json;type:jsonb"`
	CreatedAt   time.Time    `gorm:"default:now()"`
}

func (RunRecord) TableName() string {
	return "matopiba_runs"
}

// Gateway writes run records.
type Gateway struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

// NewGateway wraps a database handle and migrates the runs table.
func NewGateway(db *gorm.DB, logger *zap.SugaredLogger) (*Gateway, error) {
	g := &Gateway{db: db, logger: logger}
	if err := g.CreateTables(); err != nil {
		return nil, err
	}
	return g, nil
}

// CreateTables creates or migrates the matopiba_runs table.
func (g *Gateway) CreateTables() error {
	if err := g.db.AutoMigrate(&RunRecord{}); err != nil {
		return fmt.Errorf("error creating or migrating matopiba_runs table: %v", err)
	}
	return nil
}

// BuildRecord assembles a run record from the snapshot metadata, the
// validation metrics, and the task report. Non-finite metric values
// store as NULL.
func BuildRecord(meta types.RunMetadata, v types.ValidationMetrics, report *types.TaskReport) (*RunRecord, error) {
	rec := &RunRecord{
		RunLabel:    meta.RunLabel,
		UpdatedAt:   meta.UpdatedAtUTC,
		NCities:     meta.NCitiesSucceeded,
		R2:          finiteOrNil(v.R2),
		RMSE:        finiteOrNil(v.RMSEMmDay),
		Bias:        finiteOrNil(v.BiasMmDay),
		MAE:         finiteOrNil(v.MAEMmDay),
		SuccessRate: meta.SuccessRate,
		Quality:     string(v.Quality),
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal task report: %v", err)
	}
	if err := rec.Metadata.Set(reportJSON); err != nil {
		return nil, fmt.Errorf("cannot set metadata_json: %v", err)
	}
	return rec, nil
}

// UpsertRun inserts the record, or replaces the metric columns of the
// existing row with the same updated_at.
func (g *Gateway) UpsertRun(ctx context.Context, rec *RunRecord) error {
	var existing RunRecord
	err := g.db.WithContext(ctx).Where("updated_at = ?", rec.UpdatedAt).First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := g.db.WithContext(ctx).Create(rec).Error; err != nil {
			return fmt.Errorf("error inserting run record: %v", err)
		}
		g.logger.Debugf("audit row inserted for run %s", rec.UpdatedAt.Format(time.RFC3339))
		return nil
	}
	if err != nil {
		return fmt.Errorf("error checking for existing run record: %v", err)
	}

	CopyMetrics(&existing, rec)
	if err := g.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return fmt.Errorf("error updating run record: %v", err)
	}
	g.logger.Debugf("audit row updated in place for run %s", rec.UpdatedAt.Format(time.RFC3339))
	return nil
}

// CopyMetrics replaces dst's metric columns with src's, leaving the
// identity columns (id, updated_at, created_at) untouched.
func CopyMetrics(dst, src *RunRecord) {
	dst.RunLabel = src.RunLabel
	dst.NCities = src.NCities
	dst.R2 = src.R2
	dst.RMSE = src.RMSE
	dst.Bias = src.Bias
	dst.MAE = src.MAE
	dst.SuccessRate = src.SuccessRate
	dst.Quality = src.Quality
	dst.Metadata = src.Metadata
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
