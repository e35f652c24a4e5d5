package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Code categorizes a login activity entry
type Code string

const (
	CodeLoginSuccess    Code = "LOGIN_SUCCESS"
	CodeLoginFailed     Code = "LOGIN_FAILED"
	CodeUnknownIdentity Code = "UNKNOWN_IDENTITY"
	CodeLogout          Code = "LOGOUT"
)

// Entry is a single login activity record
type Entry struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Code      Code      `json:"code"`
	Message   string    `json:"message"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// Logger records login activity
type Logger interface {
	RecordLoginActivity(ctx context.Context, email string, code Code, message, provider string) error
}

// DBLogger implements audit logging to PostgreSQL
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-backed audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	logger := &DBLogger{db: db}
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure login_activity table: %w", err)
	}
	return logger, nil
}

// ensureTable creates the login_activity table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS login_activity (
		id BIGSERIAL PRIMARY KEY,
		email VARCHAR(255) NOT NULL,
		code VARCHAR(50) NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		provider VARCHAR(100) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_login_activity_email ON login_activity(email);
	CREATE INDEX IF NOT EXISTS idx_login_activity_created_at ON login_activity(created_at DESC);
	`
	_, err := l.db.Exec(query)
	return err
}

// RecordLoginActivity inserts one login activity row
func (l *DBLogger) RecordLoginActivity(ctx context.Context, email string, code Code, message, provider string) error {
	if email == "" {
		email = "<empty>"
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO login_activity (email, code, message, provider)
		VALUES ($1, $2, $3, $4)
	`, email, code, message, provider)
	if err != nil {
		return fmt.Errorf("failed to record login activity: %w", err)
	}
	return nil
}

// ListRecent returns the most recent login activity entries
func (l *DBLogger) ListRecent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, email, code, message, provider, created_at
		FROM login_activity
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list login activity: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Email, &e.Code, &e.Message, &e.Provider, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan login activity: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// NopLogger discards all audit entries
type NopLogger struct{}

// RecordLoginActivity implements Logger
func (NopLogger) RecordLoginActivity(context.Context, string, Code, string, string) error {
	return nil
}
