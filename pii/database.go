package pii

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	detectors "github.com/hannes/kiji-detect/pii/detectors"
)

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// Outcome is how a submission ended.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeFailed     Outcome = "failed"
	OutcomeRejected   Outcome = "rejected" // empty input, no request sent
	OutcomeSuperseded Outcome = "superseded"
)

// DefaultMaxEntries bounds the in-memory submission log
const DefaultMaxEntries = 5000

// Submission is a content-free record of one submission. It never holds the
// input text or finding content, only counts and field labels.
type Submission struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	Outcome         Outcome   `json:"outcome"`
	FindingsCount   int       `json:"findings_count"`
	ContextualCount int       `json:"contextual_count"`
	Fields          []string  `json:"fields"`
	DurationMs      int64     `json:"duration_ms"`
}

// NewSubmission builds a record from a submission's findings.
func NewSubmission(outcome Outcome, findings []detectors.Finding, duration time.Duration) Submission {
	s := Submission{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		Outcome:    outcome,
		Fields:     []string{},
		DurationMs: duration.Milliseconds(),
	}
	seen := make(map[string]bool)
	for _, f := range findings {
		s.FindingsCount++
		if f.ContextualPII {
			s.ContextualCount++
		}
		for _, field := range f.OtherFields {
			if !seen[field] {
				seen[field] = true
				s.Fields = append(s.Fields, field)
			}
		}
	}
	sort.Strings(s.Fields)
	return s
}

// SubmissionStore defines the interface for the submission log
type SubmissionStore interface {
	// Record stores one submission
	Record(ctx context.Context, s Submission) error

	// Recent returns up to limit submissions, newest first
	Recent(ctx context.Context, limit int) ([]Submission, error)

	// Count returns the total number of stored submissions
	Count(ctx context.Context) (int, error)

	// CleanupOlderThan removes submissions older than the given age
	CleanupOlderThan(ctx context.Context, olderThan time.Duration) (int64, error)

	// Close closes the underlying storage
	Close() error
}

// PostgresSubmissionStore implements SubmissionStore for PostgreSQL
type PostgresSubmissionStore struct {
	db *sql.DB
}

// NewPostgresSubmissionStore connects to PostgreSQL and creates the table if needed
func NewPostgresSubmissionStore(ctx context.Context, config DatabaseConfig) (*PostgresSubmissionStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTableIfNotExists(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &PostgresSubmissionStore{db: db}, nil
}

// NewPostgresSubmissionStoreFromDB wraps an existing connection
func NewPostgresSubmissionStoreFromDB(db *sql.DB) *PostgresSubmissionStore {
	return &PostgresSubmissionStore{db: db}
}

// createTableIfNotExists creates the detection_submissions table if it doesn't exist
func createTableIfNotExists(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS detection_submissions (
		id UUID PRIMARY KEY,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		outcome VARCHAR(20) NOT NULL,
		findings_count INTEGER NOT NULL DEFAULT 0,
		contextual_count INTEGER NOT NULL DEFAULT 0,
		fields TEXT[] NOT NULL DEFAULT '{}',
		duration_ms BIGINT NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_detection_submissions_created_at ON detection_submissions(created_at);
	CREATE INDEX IF NOT EXISTS idx_detection_submissions_outcome ON detection_submissions(outcome);
	`

	_, err := db.ExecContext(ctx, query)
	return err
}

// Record stores one submission
func (p *PostgresSubmissionStore) Record(ctx context.Context, s Submission) error {
	query := `
	INSERT INTO detection_submissions (id, created_at, outcome, findings_count, contextual_count, fields, duration_ms)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := p.db.ExecContext(ctx, query,
		s.ID, s.CreatedAt, string(s.Outcome), s.FindingsCount, s.ContextualCount, pq.Array(s.Fields), s.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

// Recent returns up to limit submissions, newest first
func (p *PostgresSubmissionStore) Recent(ctx context.Context, limit int) ([]Submission, error) {
	query := `
	SELECT id, created_at, outcome, findings_count, contextual_count, fields, duration_ms
	FROM detection_submissions
	ORDER BY created_at DESC
	LIMIT $1
	`

	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	submissions := make([]Submission, 0)
	for rows.Next() {
		var s Submission
		var outcome string
		var fields pq.StringArray
		if err := rows.Scan(&s.ID, &s.CreatedAt, &outcome, &s.FindingsCount, &s.ContextualCount, &fields, &s.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		s.Outcome = Outcome(outcome)
		s.Fields = []string(fields)
		if s.Fields == nil {
			s.Fields = []string{}
		}
		submissions = append(submissions, s)
	}
	return submissions, rows.Err()
}

// Count returns the total number of stored submissions
func (p *PostgresSubmissionStore) Count(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM detection_submissions`).Scan(&count)
	return count, err
}

// CleanupOlderThan removes submissions older than the given age
func (p *PostgresSubmissionStore) CleanupOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `DELETE FROM detection_submissions WHERE created_at < $1`

	result, err := p.db.ExecContext(ctx, query, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// Close closes the database connection
func (p *PostgresSubmissionStore) Close() error {
	return p.db.Close()
}

// InMemorySubmissionStore implements SubmissionStore in memory (fallback)
type InMemorySubmissionStore struct {
	mu          sync.RWMutex
	submissions []Submission // oldest first
	maxEntries  int
}

// NewInMemorySubmissionStore creates an in-memory store holding at most maxEntries records
func NewInMemorySubmissionStore(maxEntries int) *InMemorySubmissionStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &InMemorySubmissionStore{maxEntries: maxEntries}
}

// Record stores one submission, dropping the oldest when full
func (m *InMemorySubmissionStore) Record(_ context.Context, s Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions = append(m.submissions, s)
	if over := len(m.submissions) - m.maxEntries; over > 0 {
		m.submissions = append([]Submission(nil), m.submissions[over:]...)
	}
	return nil
}

// Recent returns up to limit submissions, newest first
func (m *InMemorySubmissionStore) Recent(_ context.Context, limit int) ([]Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Submission, 0, limit)
	for i := len(m.submissions) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, m.submissions[i])
	}
	return result, nil
}

// Count returns the number of stored submissions
func (m *InMemorySubmissionStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.submissions), nil
}

// CleanupOlderThan removes submissions older than the given age
func (m *InMemorySubmissionStore) CleanupOlderThan(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	kept := m.submissions[:0]
	var removed int64
	for _, s := range m.submissions {
		if s.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.submissions = kept
	return removed, nil
}

// Close is a no-op for in-memory storage
func (m *InMemorySubmissionStore) Close() error {
	return nil
}
