package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/validflow/checkpoint"
	"github.com/BaSui01/validflow/config"
	"github.com/BaSui01/validflow/engine"
	"github.com/BaSui01/validflow/internal/metrics"
	"github.com/BaSui01/validflow/types"
)

// DB is the GORM-backed Repository.
type DB struct {
	db      *gorm.DB
	logger  *zap.Logger
	metrics *metrics.Collector
	backend string
}

var _ engine.Repository = (*DB)(nil)

// Open connects to the configured backend, applies pool settings, and
// migrates the schema.
func Open(cfg config.DatabaseConfig, logger *zap.Logger, collector *metrics.Collector) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "mysql":
		dialector = mysql.Open(cfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := gdb.AutoMigrate(&WorkflowRecord{}, &CheckpointRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Info("database opened",
		zap.String("driver", cfg.Driver),
		zap.Int("max_open_conns", cfg.MaxOpenConns))

	return &DB{
		db:      gdb,
		logger:  logger.With(zap.String("component", "storage")),
		metrics: collector,
		backend: cfg.Driver,
	}, nil
}

// Ping verifies the backend is reachable.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *DB) SaveWorkflow(ctx context.Context, wf *engine.Workflow) error {
	rec, err := workflowToRecord(wf)
	if err != nil {
		return fmt.Errorf("serialize workflow %s: %w", wf.ID, err)
	}
	return d.db.WithContext(ctx).Save(rec).Error
}

func (d *DB) GetWorkflow(ctx context.Context, id string) (*engine.Workflow, error) {
	var rec WorkflowRecord
	err := d.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrWorkflowNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", id, err)
	}
	return recordToWorkflow(&rec)
}

func (d *DB) ListWorkflows(ctx context.Context) ([]*engine.Workflow, error) {
	var recs []WorkflowRecord
	if err := d.db.WithContext(ctx).Order("created_at").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]*engine.Workflow, 0, len(recs))
	for i := range recs {
		wf, err := recordToWorkflow(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// DeleteWorkflow removes the workflow row and its checkpoints in one
// transaction. The explicit checkpoint delete covers backends where the
// FK cascade is not enforced.
func (d *DB) DeleteWorkflow(ctx context.Context, id string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&CheckpointRecord{}, "workflow_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&WorkflowRecord{}, "id = ?", id).Error
	})
}

// SaveCheckpointWithStep commits the checkpoint row and the workflow's
// step/state update atomically. A transaction failure surfaces as
// PartialCheckpoint so the caller never proceeds on half-written state.
func (d *DB) SaveCheckpointWithStep(ctx context.Context, wf *engine.Workflow, cp *checkpoint.Checkpoint) error {
	start := time.Now()
	rec, err := workflowToRecord(wf)
	if err != nil {
		return fmt.Errorf("serialize workflow %s: %w", wf.ID, err)
	}

	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := d.checkResumableStep(tx, cp); err != nil {
			return err
		}
		if err := tx.Create(checkpointToRecord(cp)).Error; err != nil {
			return err
		}
		return tx.Save(rec).Error
	})
	if err != nil {
		d.metrics.RecordCheckpointOp(d.backend, "save_with_step", "error", time.Since(start))
		if types.GetErrorCode(err) != "" {
			return err
		}
		return types.NewErrorf(types.ErrPartialCheckpoint,
			"checkpoint %s and step update for workflow %s not committed atomically", cp.ID, wf.ID).WithCause(err)
	}

	d.metrics.RecordCheckpointOp(d.backend, "save_with_step", "success", time.Since(start))
	return nil
}

// Save persists a checkpoint alone, without touching the workflow row.
func (d *DB) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	start := time.Now()
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := d.checkResumableStep(tx, cp); err != nil {
			return err
		}
		return tx.Create(checkpointToRecord(cp)).Error
	})
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	d.metrics.RecordCheckpointOp(d.backend, "save", outcome, time.Since(start))
	return err
}

// checkResumableStep enforces strictly increasing step numbers among a
// workflow's resumable checkpoints.
func (d *DB) checkResumableStep(tx *gorm.DB, cp *checkpoint.Checkpoint) error {
	if !cp.CanResumeFrom {
		return nil
	}
	var count int64
	err := tx.Model(&CheckpointRecord{}).
		Where("workflow_id = ? AND can_resume_from = ? AND step_number >= ?", cp.WorkflowID, true, cp.StepNumber).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return types.NewErrorf(types.ErrCorruptCheckpoint,
			"resumable step %d not above existing steps for workflow %s", cp.StepNumber, cp.WorkflowID)
	}
	return nil
}

func (d *DB) Load(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	var rec CheckpointRecord
	err := d.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "checkpoint %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", id, err)
	}

	cp := recordToCheckpoint(&rec)
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	return cp, nil
}

func (d *DB) Latest(ctx context.Context, workflowID string) (*checkpoint.Checkpoint, error) {
	var rec CheckpointRecord
	err := d.db.WithContext(ctx).
		Where("workflow_id = ? AND can_resume_from = ?", workflowID, true).
		Order("step_number DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "no resumable checkpoint for workflow %s", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("read latest checkpoint for workflow %s: %w", workflowID, err)
	}

	cp := recordToCheckpoint(&rec)
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	return cp, nil
}

func (d *DB) List(ctx context.Context, workflowID string) ([]*checkpoint.Checkpoint, error) {
	var recs []CheckpointRecord
	err := d.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for workflow %s: %w", workflowID, err)
	}

	out := make([]*checkpoint.Checkpoint, 0, len(recs))
	for i := range recs {
		out = append(out, recordToCheckpoint(&recs[i]))
	}
	return out, nil
}

func (d *DB) Delete(ctx context.Context, workflowID, id string) error {
	return d.db.WithContext(ctx).
		Delete(&CheckpointRecord{}, "id = ? AND workflow_id = ?", id, workflowID).Error
}

func (d *DB) DeleteForWorkflow(ctx context.Context, workflowID string) error {
	return d.db.WithContext(ctx).Delete(&CheckpointRecord{}, "workflow_id = ?", workflowID).Error
}
