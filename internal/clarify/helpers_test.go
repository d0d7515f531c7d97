package clarify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/BTreeMap/LeadGate/internal/gate"
	"github.com/BTreeMap/LeadGate/internal/genai"
	"github.com/BTreeMap/LeadGate/internal/models"
)

// fakeGenerator answers detection and question prompts from canned replies.
// An empty reply means the call fails.
type fakeGenerator struct {
	mu        sync.Mutex
	detect    []string
	questions []string
	calls     []genai.Request
}

var errFakeUnavailable = errors.New("fake model unavailable")

func (f *fakeGenerator) GenerateJSON(_ context.Context, req genai.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	queue := &f.questions
	if req.System == detectSystemPrompt {
		queue = &f.detect
	}
	if len(*queue) == 0 {
		return "", errFakeUnavailable
	}
	reply := (*queue)[0]
	if len(*queue) > 1 {
		*queue = (*queue)[1:]
	}
	if reply == "" {
		return "", errFakeUnavailable
	}
	return reply, nil
}

func (f *fakeGenerator) Model() string { return "fake-model" }

func (f *fakeGenerator) requests() []genai.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]genai.Request(nil), f.calls...)
}

const noIssues = `{"has_issues": false, "issues": []}`

func newEngine(t *testing.T) *gate.Engine {
	t.Helper()
	e, err := gate.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func eventTypes(events []models.InquiryEvent) []models.EventType {
	out := make([]models.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.EventType
	}
	return out
}
