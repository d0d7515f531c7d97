package clarify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LeadGate/internal/gate"
	"github.com/BTreeMap/LeadGate/internal/genai"
	"github.com/BTreeMap/LeadGate/internal/metrics"
	"github.com/BTreeMap/LeadGate/internal/models"
	"github.com/BTreeMap/LeadGate/internal/notify"
	"github.com/BTreeMap/LeadGate/internal/store"
	"github.com/BTreeMap/LeadGate/internal/testutil"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reviewerPhone = "+15550009999"

type fixture struct {
	svc   *Service
	repo  store.Repo
	clock *testutil.Clock
}

func newFixture(t *testing.T, repo store.Repo, gen genai.Generator, opts ...Option) fixture {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(clock.Now), WithMetrics(metrics.New())}, opts...)
	return fixture{
		svc:   NewService(repo, newEngine(t), gen, opts...),
		repo:  repo,
		clock: clock,
	}
}

func raw(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func (f fixture) events(t *testing.T, inquiryID string) []models.EventType {
	t.Helper()
	evs, err := f.repo.ListInquiryEvents(context.Background(), inquiryID)
	require.NoError(t, err)
	return eventTypes(evs)
}

func TestService_PassingFormNeedsNoClarification(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), &fakeGenerator{detect: []string{noIssues}})

	res, err := f.svc.Submit(context.Background(), testutil.PassingForm(), SubmissionMeta{IPAddress: "203.0.113.7"})
	require.NoError(t, err)

	assert.False(t, res.NeedsClarification)
	assert.Equal(t, models.GatePass, res.GateStatus)
	assert.Equal(t, models.QualificationQualified, res.Qualification)
	assert.Equal(t, models.RoutingStrategyCall, res.Routing)
	assert.Equal(t, gate.RoutingMessage(models.RoutingStrategyCall), res.Message)
	assert.Empty(t, res.SessionID)

	inq, err := f.repo.GetInquiry(context.Background(), res.InquiryID)
	require.NoError(t, err)
	assert.Equal(t, models.InquiryRouted, inq.Status)
	assert.Equal(t, "acme.io", inq.EmailDomain)
	assert.Equal(t, "203.0.113.7", inq.IPAddress)
	assert.Equal(t, []models.EventType{models.EventCreated}, f.events(t, res.InquiryID))
}

func TestService_SubmitRejectsInvalidForm(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), nil)
	form := testutil.PassingForm()
	form.BudgetRange = "a lot"

	_, err := f.svc.Submit(context.Background(), form, SubmissionMeta{})
	assert.ErrorIs(t, err, models.ErrInvalidBudgetRange)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestService_ModelUnavailableWithoutRuleTriggersGoesManual(t *testing.T) {
	sqlite := testutil.NewSQLiteStore(t)
	f := newFixture(t, sqlite, nil, WithReviewerAlerts(sqlite, reviewerPhone))

	res, err := f.svc.Submit(context.Background(), testutil.PassingForm(), SubmissionMeta{})
	require.NoError(t, err)

	assert.False(t, res.NeedsClarification)
	assert.Equal(t, models.GateManual, res.GateStatus)
	assert.Equal(t, models.RoutingManual, res.Routing)
	assert.Equal(t, gate.FollowUpMessage, res.Message)

	inq, err := sqlite.GetInquiry(context.Background(), res.InquiryID)
	require.NoError(t, err)
	assert.Equal(t, models.RoutingManual, inq.Gate.Routing)
	assert.Equal(t, models.InquiryRouted, inq.Status)
	assert.Equal(t, []models.EventType{
		models.EventCreated, models.EventLLMUnavailableManual, models.EventReviewerNotified,
	}, f.events(t, res.InquiryID))

	msgs, err := sqlite.ClaimDueOutboxMessages(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, reviewerPhone, msgs[0].Recipient)
	assert.Equal(t, notify.KindReviewerAlert, msgs[0].Kind)

	var alert notify.ReviewerAlert
	require.NoError(t, json.Unmarshal([]byte(msgs[0].PayloadJSON), &alert))
	assert.Equal(t, res.InquiryID, alert.InquiryID)
	assert.Equal(t, notify.ReasonLLMUnavailable, alert.Reason)
}

func TestService_DecisionMakerAmbiguityAsksGenericQuestion(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), nil)
	form := testutil.PassingForm()
	form.RoleTitle = models.RoleICEngineer

	res, err := f.svc.Submit(context.Background(), form, SubmissionMeta{})
	require.NoError(t, err)

	require.True(t, res.NeedsClarification)
	assert.Equal(t, []models.TriggerType{models.TriggerAmbiguity}, res.Triggers)
	assert.Equal(t, gate.ClarificationIntroMessage, res.Message)
	require.NotNil(t, res.FirstQuestion)
	assert.Equal(t, "Could you tell me more about your project?", res.FirstQuestion.Text)
	assert.Equal(t, "Helps us understand your needs better", res.FirstQuestion.Purpose)
	assert.Equal(t, 3, res.QuestionsRemaining)

	turns, err := f.repo.ListTurns(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, 0, turns[0].Index)
	assert.Empty(t, turns[0].LLMModel)

	inq, err := f.repo.GetInquiry(context.Background(), res.InquiryID)
	require.NoError(t, err)
	assert.Equal(t, models.InquiryClarifying, inq.Status)
}

func TestService_BudgetClarificationResolves(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), nil)
	form := testutil.PassingForm()
	form.BudgetRange = models.BudgetUnsure

	res, err := f.svc.Submit(context.Background(), form, SubmissionMeta{})
	require.NoError(t, err)
	require.True(t, res.NeedsClarification)
	assert.Equal(t, models.GateManual, res.ProvisionalGateStatus)
	require.Equal(t, models.FieldBudgetRange, res.FirstQuestion.TargetField)

	ans, err := f.svc.ProcessAnswer(context.Background(), res.SessionID, 0, raw("over_50k"))
	require.NoError(t, err)
	assert.Equal(t, models.SessionResolved, ans.SessionStatus)
	assert.Equal(t, models.GatePass, ans.GateStatus)
	assert.Equal(t, models.RoutingStrategyCall, ans.Routing)
	assert.Equal(t, 0, ans.QuestionsRemaining)
	assert.Nil(t, ans.NextQuestion)
	assert.Equal(t, models.FieldBudgetRange, ans.FieldUpdated)
	assert.Equal(t, "unsure", ans.FieldOldValue)
	assert.Equal(t, "over_50k", ans.FieldNewValue)

	sess, err := f.repo.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.FinalOutput)
	fo := sess.FinalOutput
	assert.Equal(t, models.SessionResolved, fo.SessionStatus)
	assert.Equal(t, 1, fo.QuestionsAsked)
	assert.Equal(t, models.RoutingStrategyCall, fo.FinalRouting)
	require.Len(t, fo.Clarifications, 1)
	assert.Equal(t, models.Clarification{
		Field: models.FieldBudgetRange, OldValue: "unsure", NewValue: "over_50k",
		TurnIndex: 0, UserConfirmed: true, TriggerReason: models.TriggerReasonUserClarification,
	}, fo.Clarifications[0])
	assert.Equal(t, models.FieldChange{Old: "unsure", New: "over_50k", TurnIndex: 0}, sess.FieldUpdates[models.FieldBudgetRange])

	inq, err := f.repo.GetInquiry(context.Background(), res.InquiryID)
	require.NoError(t, err)
	assert.Equal(t, models.BudgetOver50k, inq.Form.BudgetRange)
	assert.Equal(t, models.GatePass, inq.Gate.Status)
	assert.Equal(t, models.InquiryRouted, inq.Status)

	assert.Equal(t, []models.EventType{
		models.EventCreated, models.EventClarificationStarted, models.EventFieldUpdated,
		models.EventBudgetUpgraded, models.EventClarificationCompleted,
	}, f.events(t, res.InquiryID))

	turn, err := f.repo.GetTurn(context.Background(), res.SessionID, 0)
	require.NoError(t, err)
	assert.Equal(t, "Over $50,000", turn.AnswerText)
	assert.JSONEq(t, `"over_50k"`, string(turn.AnswerValue))
}

func TestService_KeepCurrentIsNoOpButCounts(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), nil)
	form := testutil.PassingForm()
	form.BudgetRange = models.BudgetUnsure

	res, err := f.svc.Submit(context.Background(), form, SubmissionMeta{})
	require.NoError(t, err)
	before, err := f.repo.GetInquiry(context.Background(), res.InquiryID)
	require.NoError(t, err)

	ans, err := f.svc.ProcessAnswer(context.Background(), res.SessionID, 0, raw(KeepCurrentOption))
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, ans.SessionStatus)
	assert.Empty(t, ans.FieldUpdated)
	assert.Equal(t, 2, ans.QuestionsRemaining)
	require.NotNil(t, ans.NextQuestion)
	require.NotNil(t, ans.NextTurnIndex)
	assert.Equal(t, 1, *ans.NextTurnIndex)
	assert.NotEqual(t, models.FieldBudgetRange, ans.NextQuestion.TargetField, "budget must not be asked twice")

	after, err := f.repo.GetInquiry(context.Background(), res.InquiryID)
	require.NoError(t, err)
	assert.Equal(t, before.Form, after.Form)
	assert.Equal(t, before.Gate, after.Gate)

	sess, err := f.repo.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.QuestionCount)
	assert.Empty(t, sess.FieldUpdates)
}

func TestService_ExhaustedClarificationGoesManual(t *testing.T) {
	sqlite := testutil.NewSQLiteStore(t)
	f := newFixture(t, sqlite, nil, WithReviewerAlerts(sqlite, reviewerPhone))
	form := testutil.PassingForm()
	form.Email = "jane@gmail.com"
	form.BudgetRange = models.BudgetUnsure

	res, err := f.svc.Submit(context.Background(), form, SubmissionMeta{})
	require.NoError(t, err)
	require.True(t, res.NeedsClarification)

	ans, err := f.svc.ProcessAnswer(context.Background(), res.SessionID, 0, raw("25k_50k"))
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, ans.SessionStatus)
	require.Equal(t, models.QuestionText, ans.NextQuestion.Type)

	ans, err = f.svc.ProcessAnswer(context.Background(), res.SessionID, 1, raw("We want to ship it this quarter."))
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, ans.SessionStatus)
	assert.Equal(t, 1, ans.QuestionsRemaining)

	ans, err = f.svc.ProcessAnswer(context.Background(), res.SessionID, 2, raw("Two engineers on our side."))
	require.NoError(t, err)
	assert.Equal(t, models.SessionManual, ans.SessionStatus)
	assert.Equal(t, models.GateManual, ans.GateStatus)
	assert.Equal(t, models.RoutingManual, ans.Routing)
	assert.Equal(t, 0, ans.QuestionsRemaining)

	sess, err := sqlite.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	fo := sess.FinalOutput
	require.NotNil(t, fo)
	assert.Equal(t, models.SessionManual, fo.SessionStatus)
	assert.Equal(t, 3, fo.QuestionsAsked)
	assert.Equal(t, models.GateFail, fo.EvaluatedGateStatus)
	assert.Equal(t, models.RoutingManual, fo.FinalRouting)
	require.Len(t, fo.Clarifications, 3)
	assert.Equal(t, models.FieldContextRaw, fo.Clarifications[2].Field)

	inq, err := sqlite.GetInquiry(context.Background(), res.InquiryID)
	require.NoError(t, err)
	assert.Contains(t, inq.Form.ContextRaw, testutil.LongContext[:40])
	assert.Contains(t, inq.Form.ContextRaw, "\n\nWe want to ship it this quarter.\n\nTwo engineers on our side.")
	assert.Equal(t, models.RoutingManual, inq.Gate.Routing)

	msgs, err := sqlite.ClaimDueOutboxMessages(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var alert notify.ReviewerAlert
	require.NoError(t, json.Unmarshal([]byte(msgs[0].PayloadJSON), &alert))
	assert.Equal(t, notify.ReasonClarificationExhausted, alert.Reason)
	assert.Equal(t, res.SessionID, alert.SessionID)
	assert.Equal(t, "gmail.com", alert.EmailDomain)
}

func TestService_TextAnswerCannotOverflowContext(t *testing.T) {
	sqlite := testutil.NewSQLiteStore(t)
	f := newFixture(t, sqlite, nil)
	ctx := context.Background()
	form := testutil.PassingForm()
	form.Email = "jane@gmail.com"
	form.BudgetRange = models.BudgetUnsure
	form.ContextRaw = strings.Repeat("context ", (models.MaxContextLength-1500)/8)

	res, err := f.svc.Submit(ctx, form, SubmissionMeta{})
	require.NoError(t, err)
	require.True(t, res.NeedsClarification)

	ans, err := f.svc.ProcessAnswer(ctx, res.SessionID, 0, raw("25k_50k"))
	require.NoError(t, err)
	require.Equal(t, models.QuestionText, ans.NextQuestion.Type)

	_, err = f.svc.ProcessAnswer(ctx, res.SessionID, 1, raw(strings.Repeat("x", models.MaxAnswerTextLength)))
	assert.ErrorIs(t, err, models.ErrContextTooLong)
	assert.ErrorIs(t, err, models.ErrValidation)

	turn, err := sqlite.GetTurn(ctx, res.SessionID, 1)
	require.NoError(t, err)
	assert.Nil(t, turn.AnsweredAt)

	_, err = f.svc.ProcessAnswer(ctx, res.SessionID, 1, raw("Launch is in May."))
	require.NoError(t, err)

	inq, err := sqlite.GetInquiry(ctx, res.InquiryID)
	require.NoError(t, err)
	assert.NoError(t, inq.Form.Validate())
	assert.True(t, strings.HasSuffix(inq.Form.ContextRaw, "\n\nLaunch is in May."))
}

func TestService_ConfirmationResolvesDecisionMaker(t *testing.T) {
	gen := &fakeGenerator{
		detect: []string{noIssues},
		questions: []string{`{
			"question_text": "Will you make the final call on this engagement?",
			"question_type": "confirmation",
			"question_purpose": "Helps us plan next steps",
			"target_field": "is_decision_maker"
		}`},
	}
	f := newFixture(t, store.NewInMemoryStore(), gen)
	form := testutil.PassingForm()
	form.RoleTitle = models.RoleICEngineer

	res, err := f.svc.Submit(context.Background(), form, SubmissionMeta{})
	require.NoError(t, err)
	require.True(t, res.NeedsClarification)
	require.Equal(t, models.QuestionConfirmation, res.FirstQuestion.Type)

	turn, err := f.repo.GetTurn(context.Background(), res.SessionID, 0)
	require.NoError(t, err)
	assert.Equal(t, "fake-model", turn.LLMModel)

	_, err = f.svc.ProcessAnswer(context.Background(), res.SessionID, 0, raw("yes"))
	assert.ErrorIs(t, err, models.ErrInvalidAnswer)

	ans, err := f.svc.ProcessAnswer(context.Background(), res.SessionID, 0, raw(true))
	require.NoError(t, err)
	assert.Equal(t, models.SessionResolved, ans.SessionStatus)
	assert.Equal(t, models.FieldIsDecisionMaker, ans.FieldUpdated)
	assert.Equal(t, "true", ans.FieldNewValue)
	assert.Equal(t, models.RoutingStrategyCall, ans.Routing)
}

func TestService_AnswerErrors(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), nil)
	form := testutil.PassingForm()
	form.BudgetRange = models.BudgetUnsure
	res, err := f.svc.Submit(context.Background(), form, SubmissionMeta{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = f.svc.ProcessAnswer(ctx, "ses_missing", 0, raw("over_50k"))
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	_, err = f.svc.ProcessAnswer(ctx, res.SessionID, 5, raw("over_50k"))
	assert.ErrorIs(t, err, models.ErrTurnNotFound)

	_, err = f.svc.ProcessAnswer(ctx, res.SessionID, 0, raw("millions"))
	assert.ErrorIs(t, err, models.ErrUnknownOption)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.ProcessAnswer(ctx, res.SessionID, 0, raw(42))
	assert.ErrorIs(t, err, models.ErrInvalidAnswer)

	_, err = f.svc.ProcessAnswer(ctx, res.SessionID, 0, raw(KeepCurrentOption))
	require.NoError(t, err)

	_, err = f.svc.ProcessAnswer(ctx, res.SessionID, 0, raw("over_50k"))
	assert.ErrorIs(t, err, models.ErrTurnAlreadyAnswered)
	assert.True(t, models.IsConflict(err))
}

func TestService_AnswerAfterResolutionIsConflict(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), nil)
	form := testutil.PassingForm()
	form.BudgetRange = models.BudgetUnsure
	res, err := f.svc.Submit(context.Background(), form, SubmissionMeta{})
	require.NoError(t, err)

	_, err = f.svc.ProcessAnswer(context.Background(), res.SessionID, 0, raw("over_50k"))
	require.NoError(t, err)

	_, err = f.svc.ProcessAnswer(context.Background(), res.SessionID, 1, raw("anything"))
	assert.ErrorIs(t, err, models.ErrSessionNotActive)
	assert.Contains(t, err.Error(), "resolved")

	_, err = f.svc.ExtendSession(context.Background(), res.SessionID)
	assert.ErrorIs(t, err, models.ErrSessionNotActive)
}

func TestService_ConcurrentAnswersHaveOneWinner(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), nil)
	form := testutil.PassingForm()
	form.BudgetRange = models.BudgetUnsure
	res, err := f.svc.Submit(context.Background(), form, SubmissionMeta{})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ProcessAnswer(context.Background(), res.SessionID, 0, raw("over_50k"))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, models.IsConflict(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 0, f.svc.locks.size())

	evs, err := f.repo.ListInquiryEvents(context.Background(), res.InquiryID)
	require.NoError(t, err)
	updates := 0
	for _, ev := range evs {
		if ev.EventType == models.EventFieldUpdated {
			updates++
		}
	}
	assert.Equal(t, 1, updates)
}

func TestService_TurnIndicesAreContiguous(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), nil)
	form := testutil.PassingForm()
	form.Email = "dev@hotmail.com"
	form.ServiceType = models.ServiceUnclear
	form.AccessModel = models.AccessUnsure
	res, err := f.svc.Submit(context.Background(), form, SubmissionMeta{})
	require.NoError(t, err)

	_, err = f.svc.ProcessAnswer(context.Background(), res.SessionID, 0, raw("audit"))
	require.NoError(t, err)
	_, err = f.svc.ProcessAnswer(context.Background(), res.SessionID, 1, raw("remote_access"))
	require.NoError(t, err)

	turns, err := f.repo.ListTurns(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for i, turn := range turns {
		assert.Equal(t, i, turn.Index)
	}
	assert.Equal(t, models.FieldServiceType, turns[0].Question.TargetField)
	assert.Equal(t, models.FieldAccessModel, turns[1].Question.TargetField)
}

func TestService_Expiry(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), nil, WithSessionTTL(10*time.Minute))
	form := testutil.PassingForm()
	form.BudgetRange = models.BudgetUnsure
	res, err := f.svc.Submit(context.Background(), form, SubmissionMeta{})
	require.NoError(t, err)
	ctx := context.Background()

	f.clock.Advance(9 * time.Minute)
	newExpiry, err := f.svc.ExtendSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), newExpiry)

	f.clock.Advance(9 * time.Minute)
	state, err := f.svc.GetSessionState(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, state.Status)
	require.NotNil(t, state.CurrentQuestion)
	assert.Equal(t, models.FieldBudgetRange, state.CurrentQuestion.TargetField)
	assert.Equal(t, 0, *state.CurrentTurnIndex)

	f.clock.Advance(2 * time.Minute)
	state, err = f.svc.GetSessionState(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, state.Status)
	assert.Nil(t, state.CurrentQuestion)
	require.NotNil(t, state.FinalOutput)
	assert.Equal(t, models.SessionExpired, state.FinalOutput.SessionStatus)
	assert.Equal(t, models.RoutingManual, state.FinalOutput.FinalRouting)

	_, err = f.svc.ProcessAnswer(ctx, res.SessionID, 0, raw("over_50k"))
	assert.ErrorIs(t, err, models.ErrSessionExpired)
	_, err = f.svc.ExtendSession(ctx, res.SessionID)
	assert.ErrorIs(t, err, models.ErrSessionExpired)

	assert.Contains(t, f.events(t, res.InquiryID), models.EventSessionExpired)
}

func TestService_ExpiredOnAnswerIsPersisted(t *testing.T) {
	f := newFixture(t, store.NewInMemoryStore(), nil)
	form := testutil.PassingForm()
	form.AccessModel = models.AccessUnsure
	res, err := f.svc.Submit(context.Background(), form, SubmissionMeta{})
	require.NoError(t, err)

	f.clock.Advance(DefaultSessionTTL)
	_, err = f.svc.ProcessAnswer(context.Background(), res.SessionID, 0, raw("remote_access"))
	assert.ErrorIs(t, err, models.ErrSessionExpired)

	sess, err := f.repo.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, sess.Status)
	require.NotNil(t, sess.FinalOutput)
	completedAt := sess.FinalOutput.CompletedAt

	f.clock.Advance(time.Hour)
	state, err := f.svc.GetSessionState(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, completedAt, state.FinalOutput.CompletedAt, "final output is never rebuilt")
}

func TestService_AbandonmentJob(t *testing.T) {
	sqlite := testutil.NewSQLiteStore(t)
	f := newFixture(t, sqlite, nil, WithReviewerAlerts(sqlite, reviewerPhone), WithAbandonmentJobs(sqlite))
	form := testutil.PassingForm()
	form.BudgetRange = models.BudgetUnsure
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, form, SubmissionMeta{})
	require.NoError(t, err)

	jobs, err := sqlite.ClaimDueJobs(ctx, time.Now().Add(365*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobKindAbandonmentCheck, jobs[0].Kind)
	assert.True(t, jobs[0].RunAt.Equal(*res.ExpiresAt))

	// Before expiry the check is a no-op.
	require.NoError(t, f.svc.HandleAbandonmentCheck(ctx, jobs[0].PayloadJSON))
	sess, err := sqlite.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, sess.Status)

	f.clock.Advance(DefaultSessionTTL + time.Second)
	require.NoError(t, f.svc.HandleAbandonmentCheck(ctx, jobs[0].PayloadJSON))
	sess, err = sqlite.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, sess.Status)

	msgs, err := sqlite.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var alert notify.ReviewerAlert
	require.NoError(t, json.Unmarshal([]byte(msgs[0].PayloadJSON), &alert))
	assert.Equal(t, notify.ReasonSessionAbandoned, alert.Reason)

	// A second run finds nothing to do.
	require.NoError(t, f.svc.HandleAbandonmentCheck(ctx, jobs[0].PayloadJSON))
	assert.Error(t, f.svc.HandleAbandonmentCheck(ctx, "not json"))
}

func TestService_KeepAliveReschedulesAbandonmentCheck(t *testing.T) {
	sqlite := testutil.NewSQLiteStore(t)
	f := newFixture(t, sqlite, nil, WithAbandonmentJobs(sqlite))
	form := testutil.PassingForm()
	form.BudgetRange = models.BudgetUnsure
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, form, SubmissionMeta{})
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)
	expiresAt, err := f.svc.ExtendSession(ctx, res.SessionID)
	require.NoError(t, err)

	jobs, err := sqlite.ClaimDueJobs(ctx, time.Now().Add(365*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// The original check fires at the old expiry and must leave the session alone.
	f.clock.Advance(DefaultSessionTTL - 5*time.Minute)
	for _, j := range jobs {
		if j.RunAt.Equal(expiresAt) {
			continue
		}
		require.NoError(t, f.svc.HandleAbandonmentCheck(ctx, j.PayloadJSON))
	}
	sess, err := sqlite.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, sess.Status)
}

func TestService_SubmitSurfacesStoreErrors(t *testing.T) {
	repo := &failingRepo{Repo: store.NewInMemoryStore()}
	f := newFixture(t, repo, nil)
	form := testutil.PassingForm()
	form.BudgetRange = models.BudgetUnsure

	repo.failCreateSession = true
	_, err := f.svc.Submit(context.Background(), form, SubmissionMeta{})
	require.Error(t, err)
	assert.False(t, models.IsNotFound(err))
	assert.False(t, errors.Is(err, models.ErrValidation))
}

type failingRepo struct {
	store.Repo
	failCreateSession bool
	commitErr         error
}

func (r *failingRepo) CommitTurn(ctx context.Context, c store.TurnCommit) error {
	if r.commitErr != nil {
		return r.commitErr
	}
	return r.Repo.CommitTurn(ctx, c)
}

func (r *failingRepo) CreateSession(ctx context.Context, sess *models.Session, first models.Turn, inq *models.Inquiry, events ...models.InquiryEvent) error {
	if r.failCreateSession {
		return errors.New("disk full")
	}
	return r.Repo.CreateSession(ctx, sess, first, inq, events...)
}

func TestService_CommitFailuresAreCountedByCause(t *testing.T) {
	repo := &failingRepo{Repo: testutil.NewSQLiteStore(t)}
	m := metrics.New()
	f := newFixture(t, repo, nil, WithMetrics(m))
	ctx := context.Background()
	form := testutil.PassingForm()
	form.BudgetRange = models.BudgetUnsure

	res, err := f.svc.Submit(ctx, form, SubmissionMeta{})
	require.NoError(t, err)
	require.True(t, res.NeedsClarification)

	repo.commitErr = errors.New("disk full")
	_, err = f.svc.ProcessAnswer(ctx, res.SessionID, 0, raw("over_50k"))
	require.Error(t, err)
	assert.False(t, models.IsConflict(err))

	repo.commitErr = fmt.Errorf("commit: %w", models.ErrTurnAlreadyAnswered)
	_, err = f.svc.ProcessAnswer(ctx, res.SessionID, 0, raw("over_50k"))
	assert.True(t, models.IsConflict(err))

	expected := `
# HELP leadgate_answers_total Clarification answers by outcome.
# TYPE leadgate_answers_total counter
leadgate_answers_total{outcome="conflict"} 1
leadgate_answers_total{outcome="error"} 1
`
	assert.NoError(t, promtestutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "leadgate_answers_total"))
}
