package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// deadLetterRow is the persisted shape of a dead-letter record.
type deadLetterRow struct {
	ID        string `gorm:"primaryKey"`
	Reason    string `gorm:"index"`
	Error     string
	Message   string
	Status    string `gorm:"index"`
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (deadLetterRow) TableName() string { return "dead_letters" }

// handoffRow is the persisted append-only record of a finished handoff.
type handoffRow struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	PackageID   string `gorm:"index"`
	FromAgentID string `gorm:"index"`
	ToAgentID   string `gorm:"index"`
	Status      string
	SessionID   string
	Chain       string
	Payload     string
	CreatedAt   time.Time
}

func (handoffRow) TableName() string { return "handoff_records" }

// Store is a GORM-backed persistence layer for dead letters and the
// append-only handoff history. It satisfies both RecordStore and
// DeadLetterStore.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore wraps an existing GORM connection and migrates the schema.
func NewStore(db *gorm.DB, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(&deadLetterRow{}, &handoffRow{}); err != nil {
		return nil, fmt.Errorf("migrate handoff store: %w", err)
	}
	return &Store{
		db:     db,
		logger: log.With(zap.String("component", "handoff_store")),
	}, nil
}

// OpenSQLiteStore opens (or creates) a SQLite-backed store at the given
// path. Use ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return NewStore(db, log)
}

// SaveDeadLetter inserts or updates a dead-letter record.
func (s *Store) SaveDeadLetter(ctx context.Context, rec *Record) error {
	message, err := json.Marshal(rec.OriginalMessage)
	if err != nil {
		return fmt.Errorf("encode dead-letter message: %w", err)
	}
	row := deadLetterRow{
		ID:        rec.ID,
		Reason:    rec.Reason,
		Error:     rec.Error,
		Message:   string(message),
		Status:    string(rec.Status),
		Attempts:  rec.Attempts,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// ListDeadLetters returns persisted dead-letter records, optionally
// filtered by status. Pass an empty status for all records.
func (s *Store) ListDeadLetters(ctx context.Context, status RecordStatus) ([]*Record, error) {
	query := s.db.WithContext(ctx).Model(&deadLetterRow{}).Order("created_at asc")
	if status != "" {
		query = query.Where("status = ?", string(status))
	}

	var rows []deadLetterRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		var message any
		if row.Message != "" {
			if err := json.Unmarshal([]byte(row.Message), &message); err != nil {
				s.logger.Warn("undecodable dead-letter message",
					zap.String("record_id", row.ID),
					zap.Error(err))
			}
		}
		out = append(out, &Record{
			ID:              row.ID,
			Reason:          row.Reason,
			Error:           row.Error,
			OriginalMessage: message,
			Status:          RecordStatus(row.Status),
			Attempts:        row.Attempts,
			CreatedAt:       row.CreatedAt,
			UpdatedAt:       row.UpdatedAt,
		})
	}
	return out, nil
}

// AppendHandoff appends a finished handoff package. Records are never
// updated in place.
func (s *Store) AppendHandoff(ctx context.Context, pkg *Package) error {
	payload, err := json.Marshal(pkg.Payload)
	if err != nil {
		return fmt.Errorf("encode handoff payload: %w", err)
	}

	row := handoffRow{
		PackageID:   pkg.ID,
		FromAgentID: pkg.FromAgentID,
		ToAgentID:   pkg.ToAgentID,
		Status:      string(pkg.Status),
		Payload:     string(payload),
		CreatedAt:   pkg.CreatedAt,
	}
	if pkg.Context != nil {
		row.SessionID = pkg.Context.SessionID
		chain, err := json.Marshal(pkg.Context.ChainCopy())
		if err != nil {
			return fmt.Errorf("encode handoff chain: %w", err)
		}
		row.Chain = string(chain)
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// HandoffCount returns the number of persisted handoff records for an
// agent pair. Empty ids match everything.
func (s *Store) HandoffCount(ctx context.Context, fromID, toID string) (int64, error) {
	query := s.db.WithContext(ctx).Model(&handoffRow{})
	if fromID != "" {
		query = query.Where("from_agent_id = ?", fromID)
	}
	if toID != "" {
		query = query.Where("to_agent_id = ?", toID)
	}
	var count int64
	err := query.Count(&count).Error
	return count, err
}
