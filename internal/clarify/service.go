package clarify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadGate/internal/gate"
	"github.com/BTreeMap/LeadGate/internal/genai"
	"github.com/BTreeMap/LeadGate/internal/metrics"
	"github.com/BTreeMap/LeadGate/internal/models"
	"github.com/BTreeMap/LeadGate/internal/notify"
	"github.com/BTreeMap/LeadGate/internal/store"
	"github.com/BTreeMap/LeadGate/internal/util"
)

// Defaults for session limits.
const (
	DefaultMaxQuestions = 3
	DefaultSessionTTL   = 30 * time.Minute
)

// JobKindAbandonmentCheck is the job kind that expires idle sessions.
const JobKindAbandonmentCheck = "session_abandonment_check"

// Opts holds configuration options for the Service.
type Opts struct {
	MaxQuestions int
	SessionTTL   time.Duration
	Outbox       store.OutboxRepo
	Reviewer     string // alert recipient; alerts are skipped when empty
	Jobs         store.JobRepo
	Metrics      *metrics.Metrics
	FormVersion  string
	RulesVersion string
	Clock        func() time.Time
}

// Option defines a configuration option for the Service.
type Option func(*Opts)

// WithMaxQuestions caps the number of questions per session.
func WithMaxQuestions(n int) Option {
	return func(o *Opts) { o.MaxQuestions = n }
}

// WithSessionTTL sets the idle timeout of a session.
func WithSessionTTL(d time.Duration) Option {
	return func(o *Opts) { o.SessionTTL = d }
}

// WithReviewerAlerts enqueues an alert to recipient whenever a lead ends up
// in manual review.
func WithReviewerAlerts(outbox store.OutboxRepo, recipient string) Option {
	return func(o *Opts) {
		o.Outbox = outbox
		o.Reviewer = recipient
	}
}

// WithAbandonmentJobs schedules a durable expiry check for every session.
func WithAbandonmentJobs(jobs store.JobRepo) Option {
	return func(o *Opts) { o.Jobs = jobs }
}

// WithMetrics counts submissions, triggers, model calls and answers on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithVersions records the form and rules versions on new inquiries.
func WithVersions(form, rules string) Option {
	return func(o *Opts) {
		o.FormVersion = form
		o.RulesVersion = rules
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Service runs intake analysis and clarification sessions. It is safe for
// concurrent use; answers to the same session are serialized.
type Service struct {
	repo     store.Repo
	engine   *gate.Engine
	detector *Detector
	planner  *Planner
	opts     Opts
	locks    *keyedMutex
}

// NewService wires a Service. gen may be nil, in which case detection relies
// on rules alone and every question comes from the canned table.
func NewService(repo store.Repo, engine *gate.Engine, gen genai.Generator, opts ...Option) *Service {
	cfg := Opts{
		MaxQuestions: DefaultMaxQuestions,
		SessionTTL:   DefaultSessionTTL,
		Clock:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxQuestions <= 0 {
		cfg.MaxQuestions = DefaultMaxQuestions
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	return &Service{
		repo:     repo,
		engine:   engine,
		detector: NewDetector(gen, engine.MinContextLength()),
		planner:  NewPlanner(gen, engine.MinContextLength()),
		opts:     cfg,
		locks:    newKeyedMutex(),
	}
}

func (s *Service) now() time.Time { return s.opts.Clock().UTC() }

// SubmissionMeta is request metadata stored with an inquiry.
type SubmissionMeta struct {
	IPAddress string
	UserAgent string
}

// Analysis is the outcome of analyzing a new submission.
type Analysis struct {
	InquiryID             string               `json:"inquiry_id"`
	NeedsClarification    bool                 `json:"needs_clarification"`
	GateStatus            models.GateStatus    `json:"gate_status"`
	Routing               models.Routing       `json:"routing"`
	Qualification         models.Qualification `json:"qualification"`
	Message               string               `json:"message"`
	SessionID             string               `json:"session_id,omitempty"`
	Triggers              []models.TriggerType `json:"trigger_reasons,omitempty"`
	FirstQuestion         *models.Question     `json:"first_question,omitempty"`
	ProvisionalGateStatus models.GateStatus    `json:"provisional_gate_status,omitempty"`
	QuestionsRemaining    int                  `json:"questions_remaining,omitempty"`
	ExpiresAt             *time.Time           `json:"expires_at,omitempty"`
}

// AnswerResult is the outcome of one answered question.
type AnswerResult struct {
	SessionID          string               `json:"session_id"`
	TurnIndex          int                  `json:"turn_index"`
	SessionStatus      models.SessionStatus `json:"session_status"`
	NextQuestion       *models.Question     `json:"next_question,omitempty"`
	NextTurnIndex      *int                 `json:"next_turn_index,omitempty"`
	GateStatus         models.GateStatus    `json:"gate_status,omitempty"`
	Routing            models.Routing       `json:"routing,omitempty"`
	Message            string               `json:"message,omitempty"`
	QuestionsRemaining int                  `json:"questions_remaining"`
	FieldUpdated       string               `json:"field_updated,omitempty"`
	FieldOldValue      string               `json:"field_old_value,omitempty"`
	FieldNewValue      string               `json:"field_new_value,omitempty"`
}

// SessionState is a snapshot of a session for resuming a dialogue.
type SessionState struct {
	SessionID          string                        `json:"session_id"`
	Status             models.SessionStatus          `json:"status"`
	Triggers           []models.TriggerType          `json:"trigger_reasons"`
	QuestionCount      int                           `json:"question_count"`
	MaxQuestions       int                           `json:"max_questions"`
	QuestionsRemaining int                           `json:"questions_remaining"`
	CurrentQuestion    *models.Question              `json:"current_question,omitempty"`
	CurrentTurnIndex   *int                          `json:"current_turn_index,omitempty"`
	FieldUpdates       map[string]models.FieldChange `json:"field_updates"`
	FinalOutput        *models.FinalOutput           `json:"final_output,omitempty"`
	ExpiresAt          time.Time                     `json:"expires_at"`
}

// Submit validates and scores a form, persists it as a new inquiry and
// analyzes it for clarification.
func (s *Service) Submit(ctx context.Context, form models.IntakeForm, meta SubmissionMeta) (*Analysis, error) {
	form = form.Normalize()
	if err := form.Validate(); err != nil {
		return nil, err
	}

	eval := s.engine.Evaluate(form)
	now := s.now()
	inq := &models.Inquiry{
		ID:           util.GenerateInquiryID(),
		Form:         form,
		EmailDomain:  form.EmailDomain(),
		Gate:         eval,
		Status:       models.InquiryNew,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		FormVersion:  s.opts.FormVersion,
		RulesVersion: s.opts.RulesVersion,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created := s.event(inq.ID, models.EventCreated, models.ActorSystem, now)
	created.NewValue = gateSummary(eval.Status, eval.Routing)
	created.Reason = "Form submission"

	if err := s.repo.CreateInquiry(ctx, inq, created); err != nil {
		slog.Error("Service.Submit: create inquiry failed", "inquiry_id", inq.ID, "error", err)
		return nil, fmt.Errorf("failed to create inquiry: %w", err)
	}
	s.opts.Metrics.Submission(string(eval.Status), string(eval.Routing))
	slog.Info("Service.Submit: inquiry created",
		"inquiry_id", inq.ID, "email_domain", inq.EmailDomain,
		"gate_status", eval.Status, "routing", eval.Routing)

	return s.AnalyzeSubmission(ctx, inq)
}

// AnalyzeSubmission decides whether a persisted inquiry needs clarification.
// When it does, the session and its first question are created together.
// When the model is unavailable and the rules raise nothing, the inquiry is
// routed to manual review.
func (s *Service) AnalyzeSubmission(ctx context.Context, inq *models.Inquiry) (*Analysis, error) {
	analysis := s.detector.Detect(ctx, inq.Form)
	s.recordLLM("detect", analysis.LLMAvailable)
	for _, t := range analysis.Triggers {
		s.opts.Metrics.Trigger(string(t))
	}

	now := s.now()
	eval := inq.Gate
	result := &Analysis{
		InquiryID:     inq.ID,
		GateStatus:    eval.Status,
		Routing:       eval.Routing,
		Qualification: eval.Qualification,
	}

	if !analysis.LLMAvailable && len(analysis.RuleTriggers) == 0 {
		ev := s.event(inq.ID, models.EventLLMUnavailableManual, models.ActorSystem, now)
		ev.OldValue = gateSummary(eval.Status, eval.Routing)
		ev.NewValue = gateSummary(models.GateManual, models.RoutingManual)
		ev.Reason = analysis.LLMError

		inq.Gate.Status = models.GateManual
		inq.Gate.Routing = models.RoutingManual
		inq.Status = models.InquiryRouted
		inq.UpdatedAt = now
		if err := s.repo.UpdateInquiry(ctx, inq, ev); err != nil {
			return nil, fmt.Errorf("failed to route inquiry to manual review: %w", err)
		}
		slog.Info("Service.AnalyzeSubmission: model unavailable, routed to manual", "inquiry_id", inq.ID)
		s.alertReviewer(ctx, inq, "", notify.ReasonLLMUnavailable)

		result.GateStatus = models.GateManual
		result.Routing = models.RoutingManual
		result.Message = gate.FollowUpMessage
		return result, nil
	}

	if !analysis.NeedsClarification() {
		inq.Status = models.InquiryRouted
		inq.UpdatedAt = now
		if err := s.repo.UpdateInquiry(ctx, inq); err != nil {
			return nil, fmt.Errorf("failed to route inquiry: %w", err)
		}
		slog.Info("Service.AnalyzeSubmission: no clarification needed", "inquiry_id", inq.ID, "routing", eval.Routing)
		if eval.Routing == models.RoutingManual {
			s.alertReviewer(ctx, inq, "", notify.ReasonManualReview)
		}
		result.Message = gate.RoutingMessage(eval.Routing)
		return result, nil
	}

	sess, first, err := s.openSession(ctx, inq, analysis.Triggers, now)
	if err != nil {
		return nil, err
	}
	result.NeedsClarification = true
	result.Message = gate.ClarificationIntroMessage
	result.SessionID = sess.ID
	result.Triggers = sess.Triggers
	result.FirstQuestion = &first.Question
	result.ProvisionalGateStatus = sess.ProvisionalGateStatus
	result.QuestionsRemaining = sess.QuestionsRemaining()
	result.ExpiresAt = &sess.ExpiresAt
	return result, nil
}

func (s *Service) openSession(ctx context.Context, inq *models.Inquiry, triggers []models.TriggerType, now time.Time) (*models.Session, models.Turn, error) {
	sess := &models.Session{
		ID:                    util.GenerateSessionID(),
		InquiryID:             inq.ID,
		Status:                models.SessionActive,
		Triggers:              triggers,
		MaxQuestions:          s.opts.MaxQuestions,
		ProvisionalGateStatus: inq.Gate.Status,
		LatestGateStatus:      inq.Gate.Status,
		LatestRouting:         inq.Gate.Routing,
		FieldUpdates:          map[string]models.FieldChange{},
		ExpiresAt:             now.Add(s.opts.SessionTTL),
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	issues := s.detector.Issues(triggers, inq.Form)
	q, model := s.planner.Next(ctx, inq.Form, issues, nil, Progress{Asked: 0, Remaining: sess.MaxQuestions})
	s.recordQuestion(model)
	first := models.Turn{
		SessionID: sess.ID,
		Index:     0,
		Question:  q,
		LLMModel:  model,
		CreatedAt: now,
	}

	inq.Status = models.InquiryClarifying
	inq.UpdatedAt = now
	started := s.event(inq.ID, models.EventClarificationStarted, models.ActorSystem, now)
	started.NewValue = sess.ID
	started.Reason = joinTriggers(triggers)

	if err := s.repo.CreateSession(ctx, sess, first, inq, started); err != nil {
		slog.Error("Service.AnalyzeSubmission: create session failed", "inquiry_id", inq.ID, "error", err)
		return nil, first, fmt.Errorf("failed to create clarification session: %w", err)
	}
	s.opts.Metrics.SessionOpened()
	s.scheduleAbandonmentCheck(ctx, sess.ID, sess.ExpiresAt)
	slog.Info("Service.AnalyzeSubmission: clarification session opened",
		"inquiry_id", inq.ID, "session_id", sess.ID, "triggers", triggers, "target_field", q.TargetField)
	return sess, first, nil
}

// ProcessAnswer applies the answer to one turn, re-scores the lead and either
// resolves the session, closes it for manual review or asks the next question.
func (s *Service) ProcessAnswer(ctx context.Context, sessionID string, turnIndex int, raw json.RawMessage) (*AnswerResult, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.activeSession(ctx, sessionID)
	if err != nil {
		s.opts.Metrics.Answer("rejected")
		return nil, err
	}

	turn, err := s.repo.GetTurn(ctx, sessionID, turnIndex)
	if err != nil {
		s.opts.Metrics.Answer("rejected")
		return nil, fmt.Errorf("turn %d of session %s: %w", turnIndex, sessionID, err)
	}
	if turn.IsAnswered() {
		s.opts.Metrics.Answer("rejected")
		return nil, fmt.Errorf("turn %d of session %s: %w", turnIndex, sessionID, models.ErrTurnAlreadyAnswered)
	}

	answer, err := models.ParseAnswer(turn.Question.Type, raw)
	if err != nil {
		s.opts.Metrics.Answer("invalid")
		return nil, err
	}

	inq, err := s.repo.GetInquiry(ctx, sess.InquiryID)
	if err != nil {
		if errors.Is(err, models.ErrInquiryNotFound) {
			s.failSession(ctx, sess)
			return nil, fmt.Errorf("session %s references missing inquiry %s", sessionID, sess.InquiryID)
		}
		return nil, fmt.Errorf("failed to load inquiry: %w", err)
	}

	applied, err := applyAnswer(inq.Form, turn.Question, answer)
	if err != nil {
		s.opts.Metrics.Answer("invalid")
		return nil, err
	}

	now := s.now()
	answered := *turn
	answered.AnswerValue = models.EncodeAnswer(answer)
	answered.AnswerText = applied.text
	answered.AnsweredAt = &now

	var events []models.InquiryEvent
	if applied.field != "" {
		answered.FieldUpdated = true
		answered.TargetField = applied.field
		answered.OldValue = applied.oldValue
		answered.NewValue = applied.newValue
		if sess.FieldUpdates == nil {
			sess.FieldUpdates = map[string]models.FieldChange{}
		}
		sess.FieldUpdates[applied.field] = models.FieldChange{Old: applied.oldValue, New: applied.newValue, TurnIndex: turn.Index}

		ev := s.event(inq.ID, models.EventFieldUpdated, models.ActorLead, now)
		ev.Field, ev.OldValue, ev.NewValue = applied.field, applied.oldValue, applied.newValue
		ev.Reason = fmt.Sprintf("clarification turn %d", turn.Index)
		events = append(events, ev)

		if isBudgetUpgrade(applied.field, applied.oldValue, applied.newValue) {
			up := s.event(inq.ID, models.EventBudgetUpgraded, models.ActorLead, now)
			up.Field, up.OldValue, up.NewValue = applied.field, applied.oldValue, applied.newValue
			events = append(events, up)
		}
	}

	eval := s.engine.Evaluate(applied.form)
	sess.QuestionCount++
	sess.LatestGateStatus = eval.Status
	sess.LatestRouting = eval.Routing
	sess.UpdatedAt = now

	inq.Form = applied.form
	inq.Gate = eval
	inq.UpdatedAt = now

	result := &AnswerResult{
		SessionID:     sessionID,
		TurnIndex:     turn.Index,
		FieldUpdated:  applied.field,
		FieldOldValue: applied.oldValue,
		FieldNewValue: applied.newValue,
	}
	commit := store.TurnCommit{Turn: answered, Session: sess, Inquiry: inq}

	prior, err := s.repo.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	prior = replaceTurn(prior, answered)

	switch {
	case eval.Status == models.GatePass:
		s.closeInto(sess, inq, prior, models.SessionResolved, eval, now)
		events = append(events, s.completedEvent(inq.ID, sess, now))
		result.GateStatus, result.Routing = eval.Status, eval.Routing
	case sess.QuestionCount >= sess.MaxQuestions:
		s.closeInto(sess, inq, prior, models.SessionManual, eval, now)
		events = append(events, s.completedEvent(inq.ID, sess, now))
		result.GateStatus, result.Routing = models.GateManual, models.RoutingManual
	default:
		issues := s.detector.Issues(sess.Triggers, applied.form)
		q, model := s.planner.Next(ctx, applied.form, issues, prior, Progress{Asked: sess.QuestionCount, Remaining: sess.QuestionsRemaining()})
		s.recordQuestion(model)
		next := models.Turn{
			SessionID: sessionID,
			Index:     sess.QuestionCount,
			Question:  q,
			LLMModel:  model,
			CreatedAt: now,
		}
		commit.NextTurn = &next
		result.NextQuestion = &next.Question
		result.NextTurnIndex = &next.Index
		result.QuestionsRemaining = sess.QuestionsRemaining()
	}
	commit.Events = events

	if err := s.repo.CommitTurn(ctx, commit); err != nil {
		if models.IsConflict(err) {
			s.opts.Metrics.Answer("conflict")
		} else {
			s.opts.Metrics.Answer("error")
		}
		if models.IsConflict(err) || models.IsNotFound(err) {
			return nil, fmt.Errorf("turn %d of session %s: %w", turnIndex, sessionID, err)
		}
		slog.Error("Service.ProcessAnswer: commit failed", "session_id", sessionID, "turn_index", turnIndex, "error", err)
		return nil, fmt.Errorf("failed to save answer: %w", err)
	}
	s.opts.Metrics.Answer("accepted")

	result.SessionStatus = sess.Status
	if sess.Status.IsTerminal() {
		result.Message = gate.RoutingMessage(result.Routing)
		s.opts.Metrics.SessionClosed(string(sess.Status))
		if sess.Status == models.SessionManual {
			s.alertReviewer(ctx, inq, sess.ID, notify.ReasonClarificationExhausted)
		}
	}
	slog.Info("Service.ProcessAnswer: answer applied",
		"session_id", sessionID, "turn_index", turnIndex, "field_updated", applied.field,
		"gate_status", eval.Status, "session_status", sess.Status)
	return result, nil
}

// GetSessionState returns a snapshot of the session. A session past its
// expiry is transitioned to expired first and reported as such.
func (s *Service) GetSessionState(ctx context.Context, sessionID string) (*SessionState, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	if sess.IsExpiredAt(s.now()) {
		sess, err = s.expire(ctx, sess)
		if err != nil {
			return nil, err
		}
	}

	state := &SessionState{
		SessionID:          sess.ID,
		Status:             sess.Status,
		Triggers:           sess.Triggers,
		QuestionCount:      sess.QuestionCount,
		MaxQuestions:       sess.MaxQuestions,
		QuestionsRemaining: sess.QuestionsRemaining(),
		FieldUpdates:       sess.FieldUpdates,
		FinalOutput:        sess.FinalOutput,
		ExpiresAt:          sess.ExpiresAt,
	}
	if state.FieldUpdates == nil {
		state.FieldUpdates = map[string]models.FieldChange{}
	}
	if sess.Status == models.SessionActive {
		turn, err := s.repo.GetTurn(ctx, sessionID, sess.QuestionCount)
		if err != nil {
			return nil, fmt.Errorf("current turn of session %s: %w", sessionID, err)
		}
		state.CurrentQuestion = &turn.Question
		state.CurrentTurnIndex = &turn.Index
	} else {
		state.QuestionsRemaining = 0
	}
	return state, nil
}

// ExtendSession resets the idle timer of an active session and returns the new expiry.
func (s *Service) ExtendSession(ctx context.Context, sessionID string) (time.Time, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	if _, err := s.activeSession(ctx, sessionID); err != nil {
		return time.Time{}, err
	}
	expiresAt := s.now().Add(s.opts.SessionTTL)
	if err := s.repo.ExtendSession(ctx, sessionID, expiresAt); err != nil {
		return time.Time{}, fmt.Errorf("cannot extend session %s: %w", sessionID, err)
	}
	s.scheduleAbandonmentCheck(ctx, sessionID, expiresAt)
	slog.Debug("Service.ExtendSession: session extended", "session_id", sessionID, "expires_at", expiresAt)
	return expiresAt, nil
}

// activeSession loads a session and rejects it unless it is active and not
// past its expiry. An overdue session is transitioned to expired.
func (s *Service) activeSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	if sess.IsExpiredAt(s.now()) {
		if _, err := s.expire(ctx, sess); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionExpired)
	}
	switch sess.Status {
	case models.SessionActive:
		return sess, nil
	case models.SessionExpired:
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionExpired)
	}
	return nil, fmt.Errorf("%w: session %s is %s", models.ErrSessionNotActive, sessionID, sess.Status)
}

// expire closes an overdue session, routes its inquiry to manual review and
// alerts the reviewer. The caller holds the session lock.
func (s *Service) expire(ctx context.Context, sess *models.Session) (*models.Session, error) {
	now := s.now()
	turns, err := s.repo.ListTurns(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	inq, err := s.repo.GetInquiry(ctx, sess.InquiryID)
	if err != nil && !errors.Is(err, models.ErrInquiryNotFound) {
		return nil, fmt.Errorf("failed to load inquiry: %w", err)
	}

	latest := models.GateEvaluation{Status: sess.LatestGateStatus, Routing: sess.LatestRouting}
	closed := *sess
	s.closeInto(&closed, inq, turns, models.SessionExpired, latest, now)

	var events []models.InquiryEvent
	if inq != nil {
		ev := s.event(inq.ID, models.EventSessionExpired, models.ActorSystem, now)
		ev.OldValue = string(models.SessionActive)
		ev.NewValue = string(models.SessionExpired)
		ev.Reason = fmt.Sprintf("session %s idle since %s", sess.ID, sess.ExpiresAt.Format(time.RFC3339))
		events = append(events, ev)
	}

	if err := s.repo.CloseSession(ctx, &closed, inq, events...); err != nil {
		if errors.Is(err, models.ErrSessionNotActive) {
			return s.repo.GetSession(ctx, sess.ID)
		}
		return nil, fmt.Errorf("failed to expire session %s: %w", sess.ID, err)
	}
	s.opts.Metrics.SessionClosed(string(models.SessionExpired))
	slog.Info("Service.expire: session expired", "session_id", sess.ID, "inquiry_id", sess.InquiryID)
	if inq != nil {
		s.alertReviewer(ctx, inq, sess.ID, notify.ReasonSessionAbandoned)
	}
	return &closed, nil
}

// failSession moves a session whose inquiry vanished to the error state.
func (s *Service) failSession(ctx context.Context, sess *models.Session) {
	now := s.now()
	turns, err := s.repo.ListTurns(ctx, sess.ID)
	if err != nil {
		slog.Error("Service.failSession: list turns failed", "session_id", sess.ID, "error", err)
		return
	}
	latest := models.GateEvaluation{Status: sess.LatestGateStatus, Routing: sess.LatestRouting}
	closed := *sess
	s.closeInto(&closed, nil, turns, models.SessionError, latest, now)
	if err := s.repo.CloseSession(ctx, &closed, nil); err != nil {
		slog.Error("Service.failSession: close failed", "session_id", sess.ID, "error", err)
		return
	}
	s.opts.Metrics.SessionClosed(string(models.SessionError))
	slog.Error("Service.failSession: session moved to error", "session_id", sess.ID, "inquiry_id", sess.InquiryID)
}

// closeInto sets the terminal status and final output on sess and, when inq
// is non-nil, records the final routing on the inquiry. Only a resolved
// session keeps the evaluated routing; every other outcome goes to manual.
func (s *Service) closeInto(sess *models.Session, inq *models.Inquiry, turns []models.Turn, status models.SessionStatus, eval models.GateEvaluation, now time.Time) {
	finalStatus, finalRouting := models.GateManual, models.RoutingManual
	if status == models.SessionResolved {
		finalStatus, finalRouting = eval.Status, eval.Routing
	}
	sess.Status = status
	sess.UpdatedAt = now
	sess.FinalOutput = buildFinalOutput(turns, status, finalStatus, finalRouting, eval, now)
	if inq != nil {
		inq.Gate.Status = finalStatus
		inq.Gate.Routing = finalRouting
		inq.Status = models.InquiryRouted
		inq.UpdatedAt = now
	}
}

func buildFinalOutput(turns []models.Turn, status models.SessionStatus, finalStatus models.GateStatus, finalRouting models.Routing, eval models.GateEvaluation, now time.Time) *models.FinalOutput {
	out := &models.FinalOutput{
		Clarifications:      []models.Clarification{},
		SessionStatus:       status,
		QuestionsAsked:      len(turns),
		FinalGateStatus:     finalStatus,
		FinalRouting:        finalRouting,
		EvaluatedGateStatus: eval.Status,
		EvaluatedRouting:    eval.Routing,
		CompletedAt:         now,
	}
	for _, t := range turns {
		if !t.FieldUpdated || t.TargetField == "" {
			continue
		}
		out.Clarifications = append(out.Clarifications, models.Clarification{
			Field:         t.TargetField,
			OldValue:      t.OldValue,
			NewValue:      t.NewValue,
			TurnIndex:     t.Index,
			UserConfirmed: true,
			TriggerReason: models.TriggerReasonUserClarification,
		})
	}
	return out
}

func (s *Service) completedEvent(inquiryID string, sess *models.Session, now time.Time) models.InquiryEvent {
	ev := s.event(inquiryID, models.EventClarificationCompleted, models.ActorSystem, now)
	ev.OldValue = string(models.SessionActive)
	ev.NewValue = string(sess.Status)
	ev.Reason = gateSummary(sess.FinalOutput.FinalGateStatus, sess.FinalOutput.FinalRouting)
	return ev
}

func (s *Service) event(inquiryID string, t models.EventType, actor models.ActorType, now time.Time) models.InquiryEvent {
	return models.InquiryEvent{
		ID:        util.GenerateEventID(),
		InquiryID: inquiryID,
		EventType: t,
		ActorType: actor,
		CreatedAt: now,
	}
}

// alertReviewer enqueues a reviewer alert. Failures are logged; the lead's
// outcome is already committed.
func (s *Service) alertReviewer(ctx context.Context, inq *models.Inquiry, sessionID, reason string) {
	if s.opts.Outbox == nil || s.opts.Reviewer == "" {
		return
	}
	payload, err := notify.MarshalAlert(notify.ReviewerAlert{
		InquiryID:   inq.ID,
		SessionID:   sessionID,
		Reason:      reason,
		EmailDomain: inq.EmailDomain,
		ServiceType: string(inq.Form.ServiceType),
		BudgetRange: string(inq.Form.BudgetRange),
		GateStatus:  string(inq.Gate.Status),
		Routing:     string(inq.Gate.Routing),
		Flags:       inq.Gate.Flags,
	})
	if err != nil {
		slog.Error("Service.alertReviewer: encode failed", "inquiry_id", inq.ID, "error", err)
		return
	}
	dedupe := "alert:" + inq.ID + ":" + reason
	id, err := s.opts.Outbox.EnqueueOutboxMessage(ctx, s.opts.Reviewer, notify.KindReviewerAlert, payload, dedupe)
	if err != nil {
		s.opts.Metrics.Notification("enqueue_failed")
		slog.Error("Service.alertReviewer: enqueue failed", "inquiry_id", inq.ID, "reason", reason, "error", err)
		return
	}
	s.opts.Metrics.Notification("enqueued")

	ev := s.event(inq.ID, models.EventReviewerNotified, models.ActorSystem, s.now())
	ev.NewValue = id
	ev.Reason = reason
	if err := s.repo.AddInquiryEvents(ctx, ev); err != nil {
		slog.Warn("Service.alertReviewer: audit event failed", "inquiry_id", inq.ID, "error", err)
	}
	slog.Info("Service.alertReviewer: reviewer alert queued", "inquiry_id", inq.ID, "reason", reason, "outbox_id", id)
}

type abandonmentPayload struct {
	SessionID string `json:"session_id"`
}

func (s *Service) scheduleAbandonmentCheck(ctx context.Context, sessionID string, at time.Time) {
	if s.opts.Jobs == nil {
		return
	}
	payload, _ := json.Marshal(abandonmentPayload{SessionID: sessionID})
	dedupe := fmt.Sprintf("abandon:%s:%d", sessionID, at.Unix())
	if _, err := s.opts.Jobs.EnqueueJob(ctx, JobKindAbandonmentCheck, at, string(payload), dedupe); err != nil {
		slog.Warn("Service.scheduleAbandonmentCheck: enqueue failed", "session_id", sessionID, "error", err)
	}
}

// HandleAbandonmentCheck is the job handler for JobKindAbandonmentCheck. It
// expires the session if it is still active past its expiry; a session that
// was extended or finished in the meantime is left alone.
func (s *Service) HandleAbandonmentCheck(ctx context.Context, payload string) error {
	var p abandonmentPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil || p.SessionID == "" {
		return fmt.Errorf("invalid abandonment payload: %q", payload)
	}

	unlock := s.locks.lock(p.SessionID)
	defer unlock()

	sess, err := s.repo.GetSession(ctx, p.SessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			slog.Warn("Service.HandleAbandonmentCheck: session not found", "session_id", p.SessionID)
			return nil
		}
		return err
	}
	if !sess.IsExpiredAt(s.now()) {
		slog.Debug("Service.HandleAbandonmentCheck: nothing to do", "session_id", sess.ID, "status", sess.Status)
		return nil
	}
	_, err = s.expire(ctx, sess)
	return err
}

func (s *Service) recordLLM(purpose string, ok bool) {
	if ok {
		s.opts.Metrics.LLMCall(purpose, "ok")
	} else {
		s.opts.Metrics.LLMCall(purpose, "unavailable")
	}
}

func (s *Service) recordQuestion(model string) {
	s.recordLLM("question", model != "")
}

type appliedAnswer struct {
	form     models.IntakeForm
	text     string
	field    string // empty when the form did not change
	oldValue string
	newValue string
}

// applyAnswer computes the form after an answer. Choice answers must name one
// of the question's options.
func applyAnswer(form models.IntakeForm, q models.Question, answer models.Answer) (appliedAnswer, error) {
	out := appliedAnswer{form: form, text: answer.Display()}

	set := func(field, value string) error {
		old := form.FieldValue(field)
		if old == value {
			return nil
		}
		updated, err := form.WithField(field, value)
		if err != nil {
			return err
		}
		out.form, out.field, out.oldValue, out.newValue = updated, field, old, value
		return nil
	}

	switch a := answer.(type) {
	case models.ChoiceAnswer:
		opt, ok := q.Option(a.OptionID)
		if !ok {
			return out, fmt.Errorf("%w: %q", models.ErrUnknownOption, a.OptionID)
		}
		out.text = opt.Label
		if opt.IsNoOp() {
			return out, nil
		}
		return out, set(opt.MapsToField, opt.MapsToValue)
	case models.TextAnswer:
		if q.TargetField != models.FieldContextRaw {
			return out, nil
		}
		old := form.ContextRaw
		updated, err := form.WithAppendedContext(a.Text)
		if err != nil {
			return out, err
		}
		out.form, out.field, out.oldValue, out.newValue = updated, models.FieldContextRaw, old, updated.ContextRaw
		return out, nil
	case models.BooleanAnswer:
		if q.TargetField != models.FieldIsDecisionMaker {
			return out, nil
		}
		value := "false"
		if a.Value {
			value = "true"
		}
		return out, set(models.FieldIsDecisionMaker, value)
	}
	return out, fmt.Errorf("%w: unsupported answer", models.ErrInvalidAnswer)
}

func isBudgetUpgrade(field, from, to string) bool {
	return field == models.FieldBudgetRange &&
		gate.BudgetOrdinal(models.BudgetRange(to)) > gate.BudgetOrdinal(models.BudgetRange(from))
}

func replaceTurn(turns []models.Turn, t models.Turn) []models.Turn {
	for i := range turns {
		if turns[i].Index == t.Index {
			turns[i] = t
		}
	}
	return turns
}

func gateSummary(status models.GateStatus, routing models.Routing) string {
	data, _ := json.Marshal(map[string]string{"gate_status": string(status), "routing": string(routing)})
	return string(data)
}

func joinTriggers(triggers []models.TriggerType) string {
	parts := make([]string, len(triggers))
	for i, t := range triggers {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
