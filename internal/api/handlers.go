package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LeadGate/internal/clarify"
	"github.com/BTreeMap/LeadGate/internal/gate"
	"github.com/BTreeMap/LeadGate/internal/models"
	"github.com/BTreeMap/LeadGate/internal/ratelimit"
	"github.com/gorilla/mux"
)

// evaluateResponse is a gate evaluation with its lead-facing message.
type evaluateResponse struct {
	models.GateEvaluation
	Message string `json:"message"`
}

type clarifyRequest struct {
	SessionID   string          `json:"session_id"`
	TurnIndex   *int            `json:"turn_index"`
	AnswerValue json.RawMessage `json:"answer_value"`
}

type keepaliveResponse struct {
	OK        bool      `json:"ok"`
	ExpiresAt time.Time `json:"expires_at"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON format", models.ErrValidation)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// evaluateGateHandler scores a form without storing it (POST /api/gate/evaluate).
func (s *Server) evaluateGateHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var form models.IntakeForm
	if err := decodeJSON(w, r, &form); err != nil {
		slog.Warn("Server.evaluateGateHandler: failed to decode JSON", "error", err)
		writeError(w, "Server.evaluateGateHandler", err)
		return
	}
	form = form.Normalize()
	if err := form.Validate(); err != nil {
		writeError(w, "Server.evaluateGateHandler", err)
		return
	}
	eval := s.engine.Evaluate(form)
	slog.Debug("Server.evaluateGateHandler: evaluated", "gate_status", eval.Status, "routing", eval.Routing)
	writeJSONResponse(w, http.StatusOK, models.Success(evaluateResponse{
		GateEvaluation: eval,
		Message:        gate.RoutingMessage(eval.Routing),
	}))
}

// intakeHandler stores a submission and starts clarification when needed (POST /api/intake).
func (s *Server) intakeHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var form models.IntakeForm
	if err := decodeJSON(w, r, &form); err != nil {
		slog.Warn("Server.intakeHandler: failed to decode JSON", "error", err)
		writeError(w, "Server.intakeHandler", err)
		return
	}
	normalized := form.Normalize()
	if err := normalized.Validate(); err != nil {
		slog.Debug("Server.intakeHandler: validation failed", "error", err)
		writeError(w, "Server.intakeHandler", err)
		return
	}

	ip := clientIP(r)
	subject := ratelimit.Subject{Email: normalized.Email, IP: ip}
	if s.limiter != nil {
		if err := s.limiter.Check(r.Context(), subject); err != nil {
			var le *ratelimit.LimitError
			if errors.As(err, &le) {
				s.metrics.RateLimited(le.Kind)
				slog.Warn("Server.intakeHandler: submission rate limited", "kind", le.Kind, "email_domain", normalized.EmailDomain())
			}
			writeError(w, "Server.intakeHandler", err)
			return
		}
	}

	res, err := s.svc.Submit(r.Context(), normalized, clarify.SubmissionMeta{IPAddress: ip, UserAgent: r.UserAgent()})
	if err != nil {
		writeError(w, "Server.intakeHandler", err)
		return
	}
	if s.limiter != nil {
		if err := s.limiter.Record(r.Context(), subject); err != nil {
			slog.Warn("Server.intakeHandler: failed to record submission for rate limiting", "inquiry_id", res.InquiryID, "error", err)
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// clarifyHandler answers the current clarification question (POST /api/intake/clarify).
func (s *Server) clarifyHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req clarifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.clarifyHandler", err)
		return
	}
	if req.SessionID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorWithCode(codeInvalidRequest, "Missing required field: session_id"))
		return
	}
	if req.TurnIndex == nil || *req.TurnIndex < 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorWithCode(codeInvalidRequest, "Missing required field: turn_index"))
		return
	}

	res, err := s.svc.ProcessAnswer(r.Context(), req.SessionID, *req.TurnIndex, req.AnswerValue)
	if err != nil {
		writeError(w, "Server.clarifyHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// sessionStateHandler returns a session snapshot (GET /api/intake/session/{id}).
// An expired session is answered with 410 and its final state.
func (s *Server) sessionStateHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state, err := s.svc.GetSessionState(r.Context(), id)
	if err != nil {
		writeError(w, "Server.sessionStateHandler", err)
		return
	}
	if state.Status == models.SessionExpired {
		writeJSONResponse(w, http.StatusGone, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithCode(codeExpired).
			WithMessage("Session has expired").
			WithResult(state).
			Build())
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// keepaliveHandler extends an active session (POST /api/intake/session/{id}/keepalive).
func (s *Server) keepaliveHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	expiresAt, err := s.svc.ExtendSession(r.Context(), id)
	if err != nil {
		writeError(w, "Server.keepaliveHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(keepaliveResponse{OK: true, ExpiresAt: expiresAt}))
}
