// Package store provides storage backends for LeadGate.
//
// It persists inquiries with their audit trail and clarification sessions with
// their turns, plus the durable outbox and job queues used for reviewer alerts
// and abandonment checks. SQLite and PostgreSQL are supported; an in-memory
// implementation of the inquiry and session repositories is available for tests
// and single-process runs.
package store

import (
	"context"
	"time"

	"github.com/BTreeMap/LeadGate/internal/models"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN          string // Data source name: file path for SQLite, connection string for Postgres
	MaxOpenConns int    // Postgres pool size; SQLite always uses a single connection
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithMaxOpenConns sets the Postgres connection pool size.
func WithMaxOpenConns(n int) Option {
	return func(o *Opts) { o.MaxOpenConns = n }
}

// InquiryRepo persists submissions and their append-only audit events.
type InquiryRepo interface {
	// CreateInquiry inserts an inquiry together with its initial events.
	CreateInquiry(ctx context.Context, inq *models.Inquiry, events ...models.InquiryEvent) error
	GetInquiry(ctx context.Context, id string) (*models.Inquiry, error)
	// UpdateInquiry overwrites the form, gate evaluation and status and appends events.
	UpdateInquiry(ctx context.Context, inq *models.Inquiry, events ...models.InquiryEvent) error
	AddInquiryEvents(ctx context.Context, events ...models.InquiryEvent) error
	ListInquiryEvents(ctx context.Context, inquiryID string) ([]models.InquiryEvent, error)
}

// SessionRepo persists clarification sessions and their turns.
type SessionRepo interface {
	// CreateSession stores a new session, its first turn, the inquiry's new
	// status and the given events in one transaction.
	CreateSession(ctx context.Context, sess *models.Session, first models.Turn, inq *models.Inquiry, events ...models.InquiryEvent) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetTurn(ctx context.Context, sessionID string, index int) (*models.Turn, error)
	ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error)

	// CommitTurn applies an answered turn atomically. It fails with
	// models.ErrTurnAlreadyAnswered when the turn already has an answer and with
	// models.ErrSessionNotActive when the session left the active state.
	CommitTurn(ctx context.Context, c TurnCommit) error

	// CloseSession moves an active session to a terminal state with its final
	// output. It fails with models.ErrSessionNotActive if the session is no
	// longer active.
	CloseSession(ctx context.Context, sess *models.Session, inq *models.Inquiry, events ...models.InquiryEvent) error

	// ExtendSession moves the expiry of an active session.
	ExtendSession(ctx context.Context, id string, expiresAt time.Time) error
}

// TurnCommit is everything written when a lead answers a question.
type TurnCommit struct {
	Turn     models.Turn     // the answered turn; AnsweredAt must be set
	Session  *models.Session // session after the answer
	Inquiry  *models.Inquiry // inquiry with the mutated form and latest gate result; may be nil
	NextTurn *models.Turn    // follow-up question when the session stays active
	Events   []models.InquiryEvent
}

// Repo is the persistence surface of the intake pipeline.
type Repo interface {
	InquiryRepo
	SessionRepo
}

// Store is a full persistent backend.
type Store interface {
	Repo
	OutboxRepo
	JobRepo
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Repo  = (*InMemoryStore)(nil)
)
