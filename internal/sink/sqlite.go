package sink

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/logger"
)

// slowQueryThreshold marks statements logged as slow.
const slowQueryThreshold = 200 * time.Millisecond

// RunRecord is one pipeline run.
type RunRecord struct {
	ID        uint      `gorm:"primaryKey"`
	RunID     string    `gorm:"uniqueIndex;size:36"`
	Mode      string    `gorm:"size:32"`
	Backend   string    `gorm:"size:32"`
	Model     string
	Total     int
	Processed int
	StartedAt time.Time `gorm:"index"`
	ElapsedMs int64
	Error     string
}

// FrameRecord is one image of a run.
type FrameRecord struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"index:idx_frames_run_index;size:36"`
	FrameIndex int    `gorm:"index:idx_frames_run_index"`
	Name       string
	Detections []DetectionRecord `gorm:"foreignKey:FrameID;constraint:OnDelete:CASCADE"`
}

// DetectionRecord is one detection within a frame.
type DetectionRecord struct {
	ID         uint   `gorm:"primaryKey"`
	FrameID    uint   `gorm:"index;not null"`
	ClassID    int    `gorm:"index"`
	Label      string `gorm:"index"`
	Confidence float32
	X1, Y1     float32
	X2, Y2     float32
}

// SQLiteSink records runs, frames and detections through gorm.
type SQLiteSink struct {
	db   *gorm.DB
	path string
}

// NewSQLiteSink opens (creating if needed) the database at path and
// migrates the schema. ":memory:" gives a private in-memory database.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(GetLogger().Module("sqlite"), slowQueryThreshold),
	})
	if err != nil {
		return nil, dbError(fmt.Errorf("failed to open SQLite database: %w", err), "open")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, dbError(err, "open")
	}
	// one connection keeps :memory: databases shared and avoids SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&RunRecord{}, &FrameRecord{}, &DetectionRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, dbError(fmt.Errorf("failed to auto-migrate SQLite database: %w", err), "migrate")
	}

	GetLogger().Debug("SQLite sink initialized", logger.String("path", path))
	return &SQLiteSink{db: db, path: path}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

// DB exposes the gorm handle for queries.
func (s *SQLiteSink) DB() *gorm.DB { return s.db }

func (s *SQLiteSink) Start(ctx context.Context, run RunInfo) error {
	rec := RunRecord{
		RunID:     run.ID,
		Mode:      run.Mode,
		Backend:   run.Backend,
		Model:     run.Model,
		Total:     run.Total,
		StartedAt: run.Started,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return dbError(err, "create_run")
	}
	return nil
}

func (s *SQLiteSink) Save(ctx context.Context, item Item) error {
	frame := FrameRecord{
		RunID:      item.RunID,
		FrameIndex: item.Index,
		Name:       item.Name,
		Detections: make([]DetectionRecord, 0, len(item.Detections)),
	}
	for _, d := range item.Detections {
		frame.Detections = append(frame.Detections, DetectionRecord{
			ClassID:    d.ClassID,
			Label:      d.Label,
			Confidence: d.Confidence,
			X1:         d.Box.X1,
			Y1:         d.Box.Y1,
			X2:         d.Box.X2,
			Y2:         d.Box.Y2,
		})
	}
	if err := s.db.WithContext(ctx).Create(&frame).Error; err != nil {
		return dbError(err, "create_frame")
	}
	return nil
}

func (s *SQLiteSink) Finish(ctx context.Context, summary Summary) error {
	updates := map[string]any{
		"processed":  summary.Processed,
		"elapsed_ms": summary.Elapsed.Milliseconds(),
		"error":      "",
	}
	if summary.Err != nil {
		updates["error"] = errors.ScrubMessage(summary.Err.Error())
	}
	// a cancelled run context must not prevent recording the outcome
	err := s.db.WithContext(context.WithoutCancel(ctx)).
		Model(&RunRecord{}).
		Where("run_id = ?", summary.RunID).
		Updates(updates).Error
	if err != nil {
		return dbError(err, "update_run")
	}
	return nil
}

// Run returns the stored run with its frames and detections in index order.
func (s *SQLiteSink) Run(ctx context.Context, runID string) (*RunRecord, []FrameRecord, error) {
	var run RunRecord
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, errors.New(err).
				Component("sink").
				Category(errors.CategoryNotFound).
				Context("run_id", runID).
				Build()
		}
		return nil, nil, dbError(err, "query_run")
	}

	var frames []FrameRecord
	err := s.db.WithContext(ctx).
		Preload("Detections").
		Where("run_id = ?", runID).
		Order("frame_index").
		Find(&frames).Error
	if err != nil {
		return nil, nil, dbError(err, "query_frames")
	}
	return &run, frames, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return dbError(err, "close")
	}
	return sqlDB.Close()
}

func dbError(err error, op string) error {
	return errors.New(err).
		Component("sink").
		Category(errors.CategoryDatabase).
		Context("operation", op).
		Build()
}
