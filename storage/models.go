package storage

import (
	"time"

	"gorm.io/datatypes"
)

type Session struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	Title      string    `gorm:"size:200;not null" json:"title"`
	Summary    *string   `gorm:"type:text" json:"summary,omitempty"`
	SummarySeq int       `gorm:"not null;default:0" json:"summary_seq"`
	TokenCount int64     `gorm:"not null;default:0" json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `gorm:"index" json:"updated_at"`
}

func (Session) TableName() string {
	return "chat_sessions"
}

type Message struct {
	ID          uint64         `gorm:"primaryKey" json:"id"`
	SessionID   string         `gorm:"size:36;not null;index:idx_session_seq" json:"session_id"`
	Seq         int            `gorm:"not null;index:idx_session_seq" json:"seq"`
	Role        string         `gorm:"size:16;not null" json:"role"`
	Text        string         `gorm:"type:text" json:"text"`
	Thought     *string        `gorm:"type:text" json:"thought,omitempty"`
	Attachments datatypes.JSON `gorm:"type:json" json:"attachments,omitempty"`
	IsError     bool           `gorm:"not null;default:false" json:"is_error"`
	TokenCount  *int           `json:"token_count,omitempty"`
	Grounding   datatypes.JSON `gorm:"type:json" json:"grounding,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (Message) TableName() string {
	return "chat_messages"
}

// settingsRow holds the single application settings blob.
type settingsRow struct {
	ID        uint           `gorm:"primaryKey"`
	Data      datatypes.JSON `gorm:"type:json"`
	UpdatedAt time.Time
}

func (settingsRow) TableName() string {
	return "app_settings"
}
