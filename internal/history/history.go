// Package history persists per-chat conversation turns in a relational
// store so runs can rebuild their model context across process restarts.
package history

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quailyquaily/morphgate/llm"
)

// ConversationItem is one stored turn of a session.
type ConversationItem struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"index;size:128"`
	Role      string `gorm:"size:32"`
	Content   string
	CreatedAt time.Time
}

func (ConversationItem) TableName() string { return "conversation_items" }

type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at dsn and migrates the
// schema. SQLite keeps single-binary deployments dependency free; the gorm
// layer keeps the door open for server databases.
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "morphgate.sqlite"
	}
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := gdb.AutoMigrate(&ConversationItem{}); err != nil {
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: gdb}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SessionID derives the stored session key for a Telegram chat.
func SessionID(chatID int64) string {
	return fmt.Sprintf("conv_telegram_%d", chatID)
}

// Session returns the conversation log for one chat.
func (s *Store) Session(chatID int64) *Session {
	return &Session{db: s.db, sessionID: SessionID(chatID)}
}

// Session is the per-chat view over the store. It satisfies the engine's
// session contract.
type Session struct {
	db        *gorm.DB
	sessionID string
}

func (s *Session) Append(role, content string) error {
	item := ConversationItem{
		SessionID: s.sessionID,
		Role:      role,
		Content:   content,
	}
	if err := s.db.Create(&item).Error; err != nil {
		return fmt.Errorf("append history item: %w", err)
	}
	return nil
}

// Messages returns up to limit most recent turns in chronological order.
// A non-positive limit returns everything.
func (s *Session) Messages(limit int) ([]llm.Message, error) {
	var items []ConversationItem
	q := s.db.Where("session_id = ?", s.sessionID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]llm.Message, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, llm.Message{Role: items[i].Role, Content: items[i].Content})
	}
	return out, nil
}

// PopLast removes the n most recent turns. Used to roll back optimistic
// writes when a run fails.
func (s *Session) PopLast(n int) error {
	if n <= 0 {
		return nil
	}
	var ids []uint
	err := s.db.Model(&ConversationItem{}).
		Where("session_id = ?", s.sessionID).
		Order("id DESC").
		Limit(n).
		Pluck("id", &ids).Error
	if err != nil {
		return fmt.Errorf("find history tail: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.Delete(&ConversationItem{}, ids).Error; err != nil {
		return fmt.Errorf("pop history tail: %w", err)
	}
	return nil
}
