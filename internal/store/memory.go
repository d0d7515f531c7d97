package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BTreeMap/LeadGate/internal/models"
)

// InMemoryStore keeps inquiries and sessions in process memory. It honors the
// same conditional-write rules as the SQL stores.
type InMemoryStore struct {
	mu        sync.Mutex
	inquiries map[string]models.Inquiry
	events    map[string][]models.InquiryEvent
	sessions  map[string]models.Session
	turns     map[string][]models.Turn
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		inquiries: make(map[string]models.Inquiry),
		events:    make(map[string][]models.InquiryEvent),
		sessions:  make(map[string]models.Session),
		turns:     make(map[string][]models.Turn),
	}
}

func (s *InMemoryStore) CreateInquiry(_ context.Context, inq *models.Inquiry, events ...models.InquiryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inquiries[inq.ID]; ok {
		return fmt.Errorf("inquiry %s already exists", inq.ID)
	}
	s.inquiries[inq.ID] = *inq
	s.appendEventsLocked(events)
	return nil
}

func (s *InMemoryStore) GetInquiry(_ context.Context, id string) (*models.Inquiry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inq, ok := s.inquiries[id]
	if !ok {
		return nil, models.ErrInquiryNotFound
	}
	return &inq, nil
}

func (s *InMemoryStore) UpdateInquiry(_ context.Context, inq *models.Inquiry, events ...models.InquiryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateInquiryLocked(inq); err != nil {
		return err
	}
	s.appendEventsLocked(events)
	return nil
}

func (s *InMemoryStore) AddInquiryEvents(_ context.Context, events ...models.InquiryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventsLocked(events)
	return nil
}

func (s *InMemoryStore) ListInquiryEvents(_ context.Context, inquiryID string) ([]models.InquiryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.InquiryEvent(nil), s.events[inquiryID]...), nil
}

func (s *InMemoryStore) CreateSession(_ context.Context, sess *models.Session, first models.Turn, inq *models.Inquiry, events ...models.InquiryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	if inq != nil {
		if err := s.updateInquiryLocked(inq); err != nil {
			return err
		}
	}
	s.sessions[sess.ID] = cloneSession(*sess)
	s.turns[sess.ID] = []models.Turn{first}
	s.appendEventsLocked(events)
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	out := cloneSession(sess)
	return &out, nil
}

func (s *InMemoryStore) GetTurn(_ context.Context, sessionID string, index int) (*models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[sessionID]
	if index < 0 || index >= len(turns) {
		return nil, models.ErrTurnNotFound
	}
	t := turns[index]
	return &t, nil
}

func (s *InMemoryStore) ListTurns(_ context.Context, sessionID string) ([]models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Turn(nil), s.turns[sessionID]...), nil
}

func (s *InMemoryStore) CommitTurn(_ context.Context, c TurnCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.turns[c.Turn.SessionID]
	if c.Turn.Index < 0 || c.Turn.Index >= len(turns) {
		return models.ErrTurnNotFound
	}
	if turns[c.Turn.Index].IsAnswered() {
		return models.ErrTurnAlreadyAnswered
	}
	current, ok := s.sessions[c.Session.ID]
	if !ok {
		return models.ErrSessionNotFound
	}
	if current.Status != models.SessionActive {
		return fmt.Errorf("%w: %s", models.ErrSessionNotActive, current.Status)
	}
	if c.Inquiry != nil {
		if err := s.updateInquiryLocked(c.Inquiry); err != nil {
			return err
		}
	}

	turns[c.Turn.Index] = c.Turn
	if c.NextTurn != nil {
		turns = append(turns, *c.NextTurn)
	}
	s.turns[c.Turn.SessionID] = turns
	s.sessions[c.Session.ID] = cloneSession(*c.Session)
	s.appendEventsLocked(c.Events)
	return nil
}

func (s *InMemoryStore) CloseSession(_ context.Context, sess *models.Session, inq *models.Inquiry, events ...models.InquiryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[sess.ID]
	if !ok {
		return models.ErrSessionNotFound
	}
	if current.Status != models.SessionActive {
		return fmt.Errorf("%w: %s", models.ErrSessionNotActive, current.Status)
	}
	if inq != nil {
		if err := s.updateInquiryLocked(inq); err != nil {
			return err
		}
	}
	s.sessions[sess.ID] = cloneSession(*sess)
	s.appendEventsLocked(events)
	return nil
}

func (s *InMemoryStore) ExtendSession(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.ErrSessionNotFound
	}
	if sess.Status != models.SessionActive {
		return fmt.Errorf("%w: %s", models.ErrSessionNotActive, sess.Status)
	}
	sess.ExpiresAt = expiresAt
	sess.UpdatedAt = time.Now()
	s.sessions[id] = sess
	return nil
}

func (s *InMemoryStore) updateInquiryLocked(inq *models.Inquiry) error {
	if _, ok := s.inquiries[inq.ID]; !ok {
		return models.ErrInquiryNotFound
	}
	s.inquiries[inq.ID] = *inq
	return nil
}

func (s *InMemoryStore) appendEventsLocked(events []models.InquiryEvent) {
	for _, ev := range events {
		s.events[ev.InquiryID] = append(s.events[ev.InquiryID], ev)
	}
}

func cloneSession(sess models.Session) models.Session {
	sess.Triggers = append([]models.TriggerType(nil), sess.Triggers...)
	if sess.FieldUpdates != nil {
		updates := make(map[string]models.FieldChange, len(sess.FieldUpdates))
		for k, v := range sess.FieldUpdates {
			updates[k] = v
		}
		sess.FieldUpdates = updates
	}
	if sess.FinalOutput != nil {
		fo := *sess.FinalOutput
		fo.Clarifications = append([]models.Clarification(nil), fo.Clarifications...)
		sess.FinalOutput = &fo
	}
	return sess
}
