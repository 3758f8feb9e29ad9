// Package history keeps a durable ledger of finished pipeline runs and the
// named parameter presets users save between runs.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
	"tomorecon/pkg/stages"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// RunRecord is one terminal pipeline run.
type RunRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	DatasetID  string `gorm:"index;size:36"`
	Generation int
	Status     string `gorm:"size:16"`
	Overrides  string `gorm:"type:text"`
	CreatedAt  time.Time
	FinishedAt time.Time
	Stages     []StageRecord `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

// StageRecord is the outcome of one stage within a RunRecord. Arrays are
// never persisted; scalar results are.
type StageRecord struct {
	ID           uint   `gorm:"primaryKey"`
	RunID        string `gorm:"index;size:36"`
	Position     int
	Stage        string `gorm:"size:64"`
	Status       string `gorm:"size:16"`
	Scalar       *float64
	ErrorKind    string `gorm:"size:32"`
	ErrorMessage string `gorm:"type:text"`
	StartedAt    time.Time
	DurationMS   int64
}

// PresetRecord stores a named set of parameter overrides as JSON.
type PresetRecord struct {
	Name      string `gorm:"primaryKey;size:128"`
	Overrides string `gorm:"type:text"`
	UpdatedAt time.Time
}

// Preset is a saved set of overrides.
type Preset struct {
	Name      string           `json:"name"`
	Overrides models.Overrides `json:"overrides"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Ledger is the gorm-backed run history. It implements pipeline.Recorder.
type Ledger struct {
	db       *gorm.DB
	registry *stages.Registry
	log      *zap.Logger
}

// Open connects to the ledger database and migrates its tables.
//
// Parameters:
//   - driver: "sqlite" or "mysql"
//   - dsn: file path for sqlite, data source name for mysql
//   - registry: used to validate presets before they are saved
//   - log: logger, nil for none
//
// Returns:
//   - The ledger, or an error if the connection or migration fails
func Open(driver, dsn string, registry *stages.Registry, log *zap.Logger) (*Ledger, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, common.Errorf(common.InvalidParameter, "unknown ledger driver %q (expected sqlite or mysql)", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, common.Wrap(common.Internal, err, "connecting to %s ledger", driver)
	}
	if err := db.AutoMigrate(&RunRecord{}, &StageRecord{}, &PresetRecord{}); err != nil {
		return nil, common.Wrap(common.Internal, err, "migrating ledger")
	}

	log = common.OrNop(log)
	log.Info("run ledger ready", zap.String("driver", dialector.Name()))
	return &Ledger{db: db, registry: registry, log: log}, nil
}

// Close releases the database connection.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stores a terminal run with its stage outcomes.
func (l *Ledger) Record(ctx context.Context, run *models.PipelineRun) error {
	overrides, err := json.Marshal(run.Overrides)
	if err != nil {
		return common.Wrap(common.Internal, err, "encoding overrides of run %s", run.ID)
	}
	rec := RunRecord{
		ID:         run.ID,
		DatasetID:  run.DatasetID,
		Generation: run.Generation,
		Status:     string(run.Status),
		Overrides:  string(overrides),
		CreatedAt:  run.CreatedAt,
		FinishedAt: run.FinishedAt,
	}
	for i, s := range run.Stages {
		sr := StageRecord{
			Position:   i,
			Stage:      s.Stage,
			Status:     string(s.Status),
			Scalar:     s.Scalar,
			StartedAt:  s.StartedAt,
			DurationMS: s.Duration.Milliseconds(),
		}
		if s.Err != nil {
			sr.ErrorKind = s.Err.Kind
			sr.ErrorMessage = s.Err.Message
		}
		rec.Stages = append(rec.Stages, sr)
	}

	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return common.Wrap(common.Internal, err, "recording run %s", run.ID)
	}
	l.log.Debug("run recorded",
		zap.String("dataset", run.DatasetID),
		zap.String("run", run.ID),
		zap.String("status", rec.Status))
	return nil
}

// Runs returns the recorded runs of a dataset, oldest first.
func (l *Ledger) Runs(ctx context.Context, datasetID string) ([]*models.PipelineRun, error) {
	var recs []RunRecord
	err := l.db.WithContext(ctx).
		Preload("Stages", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("dataset_id = ?", datasetID).
		Order("generation ASC").
		Find(&recs).Error
	if err != nil {
		return nil, common.Wrap(common.Internal, err, "loading runs of %s", datasetID)
	}

	out := make([]*models.PipelineRun, 0, len(recs))
	for _, rec := range recs {
		run := &models.PipelineRun{
			ID:         rec.ID,
			DatasetID:  rec.DatasetID,
			Generation: rec.Generation,
			Status:     models.RunStatus(rec.Status),
			CreatedAt:  rec.CreatedAt,
			FinishedAt: rec.FinishedAt,
		}
		if rec.Overrides != "" && rec.Overrides != "null" {
			if err := json.Unmarshal([]byte(rec.Overrides), &run.Overrides); err != nil {
				return nil, common.Wrap(common.Internal, err, "decoding overrides of run %s", rec.ID)
			}
		}
		for _, s := range rec.Stages {
			res := models.StageResult{
				RunID:     rec.ID,
				Stage:     s.Stage,
				Status:    models.StageStatus(s.Status),
				Scalar:    s.Scalar,
				StartedAt: s.StartedAt,
				Duration:  time.Duration(s.DurationMS) * time.Millisecond,
			}
			if s.ErrorKind != "" || s.ErrorMessage != "" {
				res.Err = &models.StageError{Kind: s.ErrorKind, Message: s.ErrorMessage}
			}
			run.Stages = append(run.Stages, res)
		}
		out = append(out, run)
	}
	return out, nil
}

// SavePreset validates overrides against the registry and stores them under
// name, replacing any preset with the same name.
func (l *Ledger) SavePreset(ctx context.Context, name string, overrides models.Overrides) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return common.Errorf(common.InvalidParameter, "preset name must not be empty")
	}
	if err := l.registry.Validate(overrides); err != nil {
		return err
	}
	data, err := json.Marshal(overrides)
	if err != nil {
		return common.Wrap(common.InvalidParameter, err, "encoding preset %s", name)
	}

	rec := PresetRecord{Name: name, Overrides: string(data)}
	if err := l.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return common.Wrap(common.Internal, err, "saving preset %s", name)
	}
	l.log.Info("preset saved", zap.String("preset", name))
	return nil
}

// Preset returns the named preset.
func (l *Ledger) Preset(ctx context.Context, name string) (Preset, error) {
	var rec PresetRecord
	err := l.db.WithContext(ctx).Where("name = ?", name).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Preset{}, common.Errorf(common.NotFound, "preset %q not found", name)
	}
	if err != nil {
		return Preset{}, common.Wrap(common.Internal, err, "loading preset %s", name)
	}
	return decodePreset(rec)
}

// Presets lists all presets ordered by name.
func (l *Ledger) Presets(ctx context.Context) ([]Preset, error) {
	var recs []PresetRecord
	if err := l.db.WithContext(ctx).Order("name ASC").Find(&recs).Error; err != nil {
		return nil, common.Wrap(common.Internal, err, "listing presets")
	}
	out := make([]Preset, 0, len(recs))
	for _, rec := range recs {
		p, err := decodePreset(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// DeletePreset removes the named preset.
func (l *Ledger) DeletePreset(ctx context.Context, name string) error {
	res := l.db.WithContext(ctx).Where("name = ?", name).Delete(&PresetRecord{})
	if res.Error != nil {
		return common.Wrap(common.Internal, res.Error, "deleting preset %s", name)
	}
	if res.RowsAffected == 0 {
		return common.Errorf(common.NotFound, "preset %q not found", name)
	}
	l.log.Info("preset deleted", zap.String("preset", name))
	return nil
}

func decodePreset(rec PresetRecord) (Preset, error) {
	p := Preset{Name: rec.Name, UpdatedAt: rec.UpdatedAt}
	if err := json.Unmarshal([]byte(rec.Overrides), &p.Overrides); err != nil {
		return Preset{}, common.Wrap(common.Internal, err, "decoding preset %s", rec.Name)
	}
	return p, nil
}
