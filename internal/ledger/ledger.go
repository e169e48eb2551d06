// Package ledger stores paused-run approval state under single-use IDs with
// a bounded lifetime. An entry is written when a run pauses for approval,
// read back exactly once when the decision arrives, and deleted regardless
// of the outcome.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quailyquaily/morphgate/internal/kvstore"
)

// DefaultTTL bounds how long a pending approval stays actionable.
const DefaultTTL = time.Hour

const keyPrefix = "hitl"

// ErrNotFound is returned by Get when the ID is unknown, expired, or its
// stored payload cannot be decoded. Callers cannot distinguish the three;
// the entry is unusable either way.
var ErrNotFound = fmt.Errorf("approval state not found or expired")

// PersistenceError wraps a failed write to the backing store.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Entry is one pending approval: the serialized run snapshot plus the chat
// it belongs to.
type Entry struct {
	State     string `json:"state"`
	ChatID    int64  `json:"chat_id"`
	Timestamp int64  `json:"timestamp"`
}

type Ledger struct {
	store kvstore.Store
	ttl   time.Duration
	log   *slog.Logger
	now   func() time.Time
}

func New(store kvstore.Store, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		store: store,
		ttl:   DefaultTTL,
		log:   log,
		now:   time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Put stores a paused run's state and returns its approval ID. The ID embeds
// the chat and a millisecond timestamp so concurrent approvals in one chat
// stay distinct.
func (l *Ledger) Put(ctx context.Context, chatID int64, state string) (string, error) {
	ts := l.now().UnixMilli()
	id := fmt.Sprintf("%s:%d:%d", keyPrefix, chatID, ts)

	payload, err := json.Marshal(Entry{State: state, ChatID: chatID, Timestamp: ts})
	if err != nil {
		return "", &PersistenceError{Op: "put", Key: id, Err: err}
	}
	if err := l.store.Set(ctx, id, string(payload), l.ttl); err != nil {
		return "", &PersistenceError{Op: "put", Key: id, Err: err}
	}
	l.log.Info("approval_stored", "approval_id", id, "chat_id", chatID, "ttl", l.ttl.String())
	return id, nil
}

// Get loads a pending approval by ID. Absent, expired, and corrupt entries
// all collapse to ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (*Entry, error) {
	raw, ok, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "get", Key: id, Err: err}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		l.log.Error("approval_corrupt", "approval_id", id, "error", err.Error())
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if strings.TrimSpace(entry.State) == "" {
		l.log.Error("approval_corrupt", "approval_id", id, "error", "empty state")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &entry, nil
}

// Delete removes an approval entry. Deleting an absent ID is not an error;
// the entry may have expired in the meantime.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	deleted, err := l.store.Delete(ctx, id)
	if err != nil {
		return &PersistenceError{Op: "delete", Key: id, Err: err}
	}
	if deleted {
		l.log.Info("approval_deleted", "approval_id", id)
	}
	return nil
}
