package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/LeadGate/internal/clarify"
	"github.com/BTreeMap/LeadGate/internal/gate"
	"github.com/BTreeMap/LeadGate/internal/genai"
	"github.com/BTreeMap/LeadGate/internal/metrics"
	"github.com/BTreeMap/LeadGate/internal/models"
	"github.com/BTreeMap/LeadGate/internal/ratelimit"
	"github.com/BTreeMap/LeadGate/internal/store"
	"github.com/BTreeMap/LeadGate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cleanModel reports no issues and never produces a usable question, so
// questions come from the fallback table.
type cleanModel struct{}

func (cleanModel) GenerateJSON(context.Context, genai.Request) (string, error) {
	return `{"has_issues": false, "issues": []}`, nil
}

func (cleanModel) Model() string { return "clean" }

type testServer struct {
	*Server
	clock   *testutil.Clock
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, opts ...Option) testServer {
	t.Helper()
	engine, err := gate.NewEngine()
	require.NoError(t, err)
	clock := testutil.NewClock(time.Now().UTC())
	m := metrics.New()
	svc := clarify.NewService(store.NewInMemoryStore(), engine, cleanModel{},
		clarify.WithClock(clock.Now), clarify.WithMetrics(m))
	opts = append([]Option{WithMetrics(m)}, opts...)
	return testServer{Server: NewServer(svc, engine, opts...), clock: clock, metrics: m}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Result  json.RawMessage `json:"result"`
}

func (s testServer) do(t *testing.T, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	}
	return rec, env
}

func decodeResult[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Result, &v))
	return v
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)
	rec, env := s.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(models.APIStatusOK), env.Status)
	assert.JSONEq(t, `{"status":"healthy"}`, string(env.Result))
}

func TestEvaluateGateHandler(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodPost, "/api/gate/evaluate", testutil.PassingForm())
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeResult[evaluateResponse](t, env)
	assert.Equal(t, models.GatePass, res.Status)
	assert.Equal(t, models.RoutingStrategyCall, res.Routing)
	assert.Equal(t, gate.RoutingMessage(models.RoutingStrategyCall), res.Message)
	assert.Len(t, res.Details.Passed, len(models.Criteria))

	form := testutil.PassingForm()
	form.AccessModel = models.AccessOnPremiseOnly
	_, env = s.do(t, http.MethodPost, "/api/gate/evaluate", form)
	res = decodeResult[evaluateResponse](t, env)
	assert.Equal(t, models.GateManual, res.Status)
	assert.Equal(t, models.RoutingManual, res.Routing)
	assert.Contains(t, res.Flags, models.FlagAccessRequiresReview)
}

func TestEvaluateGateHandler_BadRequests(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodPost, "/api/gate/evaluate", `{"name": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidRequest, env.Code)

	form := testutil.PassingForm()
	form.Timeline = "someday"
	rec, env = s.do(t, http.MethodPost, "/api/gate/evaluate", form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Message, "timeline")
}

func TestIntakeHandler_Routed(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodPost, "/api/intake", testutil.PassingForm())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeResult[clarify.Analysis](t, env)
	assert.NotEmpty(t, res.InquiryID)
	assert.False(t, res.NeedsClarification)
	assert.Equal(t, models.RoutingStrategyCall, res.Routing)
	assert.Empty(t, res.SessionID)
}

func TestIntakeAndClarifyFlow(t *testing.T) {
	s := newTestServer(t)
	form := testutil.PassingForm()
	form.BudgetRange = models.BudgetUnsure

	rec, env := s.do(t, http.MethodPost, "/api/intake", form)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	analysis := decodeResult[clarify.Analysis](t, env)
	require.True(t, analysis.NeedsClarification)
	require.NotEmpty(t, analysis.SessionID)
	assert.Equal(t, models.GateManual, analysis.ProvisionalGateStatus)
	assert.Equal(t, models.FieldBudgetRange, analysis.FirstQuestion.TargetField)

	rec, env = s.do(t, http.MethodGet, "/api/intake/session/"+analysis.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decodeResult[clarify.SessionState](t, env)
	assert.Equal(t, models.SessionActive, state.Status)
	require.NotNil(t, state.CurrentTurnIndex)
	assert.Equal(t, 0, *state.CurrentTurnIndex)

	answer := map[string]any{"session_id": analysis.SessionID, "turn_index": 0, "answer_value": "over_50k"}
	rec, env = s.do(t, http.MethodPost, "/api/intake/clarify", answer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeResult[clarify.AnswerResult](t, env)
	assert.Equal(t, models.SessionResolved, result.SessionStatus)
	assert.Equal(t, models.RoutingStrategyCall, result.Routing)
	assert.Equal(t, "over_50k", result.FieldNewValue)

	rec, env = s.do(t, http.MethodPost, "/api/intake/clarify", answer)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, codeConflict, env.Code)

	rec, env = s.do(t, http.MethodPost, "/api/intake/session/"+analysis.SessionID+"/keepalive", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, env = s.do(t, http.MethodGet, "/api/intake/session/"+analysis.SessionID, nil)
	state = decodeResult[clarify.SessionState](t, env)
	assert.Equal(t, models.SessionResolved, state.Status)
	require.NotNil(t, state.FinalOutput)
	assert.Len(t, state.FinalOutput.Clarifications, 1)
}

func TestClarifyHandler_BadRequests(t *testing.T) {
	s := newTestServer(t)
	form := testutil.PassingForm()
	form.AccessModel = models.AccessUnsure
	_, env := s.do(t, http.MethodPost, "/api/intake", form)
	analysis := decodeResult[clarify.Analysis](t, env)
	require.True(t, analysis.NeedsClarification)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"missing session", map[string]any{"turn_index": 0, "answer_value": "remote_access"}, http.StatusBadRequest},
		{"missing turn", map[string]any{"session_id": analysis.SessionID, "answer_value": "remote_access"}, http.StatusBadRequest},
		{"negative turn", map[string]any{"session_id": analysis.SessionID, "turn_index": -1, "answer_value": "remote_access"}, http.StatusBadRequest},
		{"missing answer", map[string]any{"session_id": analysis.SessionID, "turn_index": 0}, http.StatusBadRequest},
		{"wrong shape", map[string]any{"session_id": analysis.SessionID, "turn_index": 0, "answer_value": true}, http.StatusBadRequest},
		{"unknown option", map[string]any{"session_id": analysis.SessionID, "turn_index": 0, "answer_value": "vpn"}, http.StatusBadRequest},
		{"unknown turn", map[string]any{"session_id": analysis.SessionID, "turn_index": 4, "answer_value": "remote_access"}, http.StatusNotFound},
		{"unknown session", map[string]any{"session_id": "ses_nope", "turn_index": 0, "answer_value": "remote_access"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := s.do(t, http.MethodPost, "/api/intake/clarify", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestSessionExpiry(t *testing.T) {
	s := newTestServer(t)
	form := testutil.PassingForm()
	form.ServiceType = models.ServiceUnclear
	_, env := s.do(t, http.MethodPost, "/api/intake", form)
	analysis := decodeResult[clarify.Analysis](t, env)
	require.True(t, analysis.NeedsClarification)

	rec, env := s.do(t, http.MethodPost, "/api/intake/session/"+analysis.SessionID+"/keepalive", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ka := decodeResult[keepaliveResponse](t, env)
	assert.True(t, ka.OK)
	assert.True(t, ka.ExpiresAt.Equal(s.clock.Now().Add(clarify.DefaultSessionTTL)))

	s.clock.Advance(clarify.DefaultSessionTTL)

	rec, env = s.do(t, http.MethodGet, "/api/intake/session/"+analysis.SessionID, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, codeExpired, env.Code)
	state := decodeResult[clarify.SessionState](t, env)
	assert.Equal(t, models.SessionExpired, state.Status)

	rec, _ = s.do(t, http.MethodPost, "/api/intake/clarify",
		map[string]any{"session_id": analysis.SessionID, "turn_index": 0, "answer_value": "audit"})
	assert.Equal(t, http.StatusGone, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/intake/session/"+analysis.SessionID+"/keepalive", nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/intake/session/ses_unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntakeHandler_RateLimited(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore())
	s := newTestServer(t, WithRateLimiter(limiter))

	for i := 0; i < 3; i++ {
		rec, _ := s.do(t, http.MethodPost, "/api/intake", testutil.PassingForm())
		require.Equal(t, http.StatusOK, rec.Code)
	}

	invalid := testutil.PassingForm()
	invalid.Name = ""
	rec, _ := s.do(t, http.MethodPost, "/api/intake", invalid)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "validation runs before rate limiting")

	rec, env := s.do(t, http.MethodPost, "/api/intake", testutil.PassingForm())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, codeRateLimited, env.Code)
	assert.Equal(t, "Maximum submissions per email reached for today", env.Message)

	metricsRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(metricsRec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, metricsRec.Code)
	assert.Contains(t, metricsRec.Body.String(), `leadgate_rate_limited_total{kind="email"} 1`)
	assert.Contains(t, metricsRec.Body.String(), `leadgate_http_request_duration_seconds_count{code="429",route="/api/intake"} 1`)
}

func TestIntakeHandler_RateLimitedByForwardedIP(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.WithPolicies(
		ratelimit.Policy{Kind: ratelimit.KindIP, Limit: 1, Window: time.Hour, Reason: "Too many submissions from this location"},
	))
	s := newTestServer(t, WithRateLimiter(limiter))

	rec, _ := s.do(t, http.MethodPost, "/api/intake", testutil.PassingForm(), "X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := s.do(t, http.MethodPost, "/api/intake", testutil.PassingForm(), "X-Forwarded-For", "203.0.113.5")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many submissions from this location", env.Message)

	rec, _ = s.do(t, http.MethodPost, "/api/intake", testutil.PassingForm(), "X-Forwarded-For", "198.51.100.20")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	assert.Equal(t, "203.0.113.5", clientIP(req))

	req.Header.Set("X-Forwarded-For", "")
	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", clientIP(req))
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, WithAllowedOrigins([]string{"https://example.com"}))

	rec, _ := s.do(t, http.MethodOptions, "/api/intake", nil, "Origin", "https://example.com")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)

	rec, _ = s.do(t, http.MethodGet, "/api/health", nil, "Origin", "https://evil.example")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouting_NotFoundAndMethod(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, env.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/intake", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWriteError_Internal(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, "test", errors.New("database on fire"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, genericErrorMessage, env.Message)
	assert.NotContains(t, rec.Body.String(), "database")
}

func TestWriteJSONResponse_MarshalFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONResponse(rec, http.StatusOK, models.Success(make(chan int)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(fallbackErrorResponse), rec.Body.String())
}
