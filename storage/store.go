package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const settingsRowID = 1

var ErrNotFound = errors.New("storage: record not found")

// Store persists chat sessions, their messages and the settings blob.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("storage: database connection is required")
	}
	if err := db.AutoMigrate(&Session{}, &Message{}, &settingsRow{}); err != nil {
		return nil, fmt.Errorf("storage: migrate models: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) CreateSession(ctx context.Context, title string) (*Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New Chat"
	}
	session := Session{ID: uuid.NewString(), Title: title}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession loads a session with its messages ordered by sequence.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, []Message, error) {
	session, err := s.SessionByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.Messages(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return session, messages, nil
}

func (s *Store) SessionByID(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) RenameSession(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("storage: title cannot be empty")
	}
	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AppendMessage stores msg as the next message of the session and touches
// the session's update time.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg *Message) error {
	if msg == nil {
		return errors.New("storage: message is nil")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lastSeq int
		if err := tx.Model(&Message{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&lastSeq).Error; err != nil {
			return err
		}
		msg.ID = 0
		msg.SessionID = sessionID
		msg.Seq = lastSeq + 1
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		res := tx.Model(&Session{}).Where("id = ?", sessionID).Update("updated_at", time.Now().UTC())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpdateSummary stores the story summary and the last message seq folded into it.
func (s *Store) UpdateSummary(ctx context.Context, id, summary string, throughSeq int) error {
	var value any = gorm.Expr("NULL")
	if trimmed := strings.TrimSpace(summary); trimmed != "" {
		value = trimmed
	}
	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Updates(map[string]any{
		"summary":     value,
		"summary_seq": throughSeq,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddTokens accumulates the session's aggregate token count.
func (s *Store) AddTokens(ctx context.Context, id string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Update("token_count", gorm.Expr("COALESCE(token_count, 0) + ?", tokens)).Error
}

// LoadSettings decodes the stored settings blob into dst. It reports false
// when nothing has been saved yet.
func (s *Store) LoadSettings(ctx context.Context, dst any) (bool, error) {
	var row settingsRow
	err := s.db.WithContext(ctx).Where("id = ?", settingsRowID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if len(row.Data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(row.Data, dst); err != nil {
		return false, fmt.Errorf("storage: decode settings: %w", err)
	}
	return true, nil
}

func (s *Store) SaveSettings(ctx context.Context, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode settings: %w", err)
	}
	row := settingsRow{ID: settingsRowID, Data: datatypes.JSON(raw), UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
}
