package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/llm-governance-gateway/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return WrapDB(db, logger), nil
}

// WrapDB wraps an already opened pool
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}
	return nil
}

const auditSchema = `
	CREATE TABLE IF NOT EXISTS audit_events (
		id UUID PRIMARY KEY,
		trace_id VARCHAR(64) NOT NULL,
		request_id VARCHAR(64),
		event_type VARCHAR(100) NOT NULL,
		classification VARCHAR(50) NOT NULL,
		user_id VARCHAR(255),
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_trace_id ON audit_events(trace_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_request_id ON audit_events(request_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_events_classification ON audit_events(classification);
	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
`

const reviewSchema = `
	CREATE TABLE IF NOT EXISTS hitl_reviews (
		id UUID PRIMARY KEY,
		request_id VARCHAR(64) NOT NULL,
		trace_id VARCHAR(64) NOT NULL,
		checkpoint VARCHAR(16) NOT NULL CHECK (checkpoint IN ('input', 'output')),
		reason TEXT NOT NULL,
		context_data JSONB NOT NULL DEFAULT '{}'::jsonb,
		prompt TEXT NOT NULL,
		response TEXT,
		user_id VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'assigned', 'processing', 'approved', 'rejected', 'expired')),
		priority INTEGER NOT NULL DEFAULT 0,
		assigned_to VARCHAR(255),
		locked_until TIMESTAMPTZ,
		reviewed_by VARCHAR(255),
		review_notes TEXT,
		decision_timestamp TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		assigned_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb
	);
	CREATE INDEX IF NOT EXISTS idx_hitl_reviews_queue ON hitl_reviews(status, priority DESC, created_at ASC);
	CREATE INDEX IF NOT EXISTS idx_hitl_reviews_bypass ON hitl_reviews(user_id, checkpoint, status, decision_timestamp);
	CREATE INDEX IF NOT EXISTS idx_hitl_reviews_trace_id ON hitl_reviews(trace_id);
	CREATE INDEX IF NOT EXISTS idx_hitl_reviews_request_id ON hitl_reviews(request_id);
	CREATE INDEX IF NOT EXISTS idx_hitl_reviews_expires_at ON hitl_reviews(expires_at) WHERE expires_at IS NOT NULL;
`

// InitSchema creates the review and audit tables
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, reviewSchema+auditSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	db.logger.Info("database schema initialized successfully")
	return nil
}

// InitAuditSchema creates only the audit table, for a separate audit database
func (db *DB) InitAuditSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	db.logger.Info("audit schema initialized successfully")
	return nil
}
