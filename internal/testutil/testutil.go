// Package testutil provides common test fixtures shared by the LeadGate packages.
package testutil

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LeadGate/internal/models"
	"github.com/BTreeMap/LeadGate/internal/store"
)

// LongContext is project context comfortably over the default context_length threshold.
var LongContext = strings.Repeat("We run a RAG pipeline over support tickets and need it production ready. ", 3)

// PassingForm returns a form that passes every gate criterion.
func PassingForm() models.IntakeForm {
	return models.IntakeForm{
		Name:        "Jane Founder",
		Email:       "jane@acme.io",
		RoleTitle:   models.RoleFounderCSuite,
		ServiceType: models.ServiceProject,
		AccessModel: models.AccessRemote,
		Timeline:    models.TimelineUrgent,
		BudgetRange: models.Budget25to50k,
		ContextRaw:  LongContext,
	}
}

// Clock is a manually advanced clock, safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock stopped at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// NewSQLiteStore opens a SQLite store in a temp directory, closed at test cleanup.
func NewSQLiteStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "leadgate.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
