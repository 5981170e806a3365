// Package sync drives the pull of spend data for media accounts: a
// per-account orchestrator walks a date range day by day through the
// provider client, and a runner fans pulls out across accounts.
package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mediasync/internal/accounts"
	"mediasync/internal/providers"
)

// PullSession records one orchestrator run for observability and
// resumption. The cursor column holds the serialized day/page position
// reached before an interruption.
type PullSession struct {
	ID             string            `gorm:"primaryKey" json:"id"`
	MediaAccountID uint              `gorm:"index;not null" json:"media_account_id"`
	Provider       accounts.Provider `gorm:"not null" json:"provider"`
	DateFrom       time.Time         `gorm:"not null" json:"date_from"`
	DateTo         time.Time         `gorm:"not null" json:"date_to"`
	State          string            `gorm:"not null" json:"state"`
	Cursor         string            `json:"cursor"`
	StatsWritten   int64             `json:"stats_written"`
	ErrorCount     int               `json:"error_count"`
	LastError      string            `json:"last_error"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     *time.Time        `json:"finished_at"`
}

// NewPullSession creates the persisted record for one orchestrator run.
func NewPullSession(account *accounts.MediaAccount, from, to time.Time) *PullSession {
	return &PullSession{
		ID:             uuid.NewString(),
		MediaAccountID: account.ID,
		Provider:       account.Provider,
		DateFrom:       from,
		DateTo:         to,
		State:          string(StateIdle),
		StartedAt:      time.Now().UTC(),
	}
}

// SessionCursor is the serializable resumption token of a pull: the day
// being pulled, the provider account within it, and the page cursor.
type SessionCursor struct {
	Day               string           `json:"day"`
	ProviderAccountID string           `json:"provider_account_id"`
	Page              providers.Cursor `json:"page"`
}

// Encode serializes the cursor for storage.
func (c SessionCursor) Encode() string {
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(raw)
}

// DecodeSessionCursor parses a stored cursor token.
func DecodeSessionCursor(raw string) (SessionCursor, error) {
	var c SessionCursor
	if raw == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("invalid session cursor: %w", err)
	}
	return c, nil
}

// SaveSession persists the session row, inserting or updating by ID.
func SaveSession(dbConn *gorm.DB, session *PullSession) error {
	return dbConn.Save(session).Error
}

// RecentSessions lists the latest pull sessions, newest first.
func RecentSessions(dbConn *gorm.DB, limit int) ([]PullSession, error) {
	if limit <= 0 {
		limit = 20
	}
	var sessions []PullSession
	err := dbConn.Order("started_at desc").Limit(limit).Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pull sessions: %w", err)
	}
	return sessions, nil
}
