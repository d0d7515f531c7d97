package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		generate   func() string
		wantPrefix string
	}{
		{
			name:       "inquiry ID format",
			generate:   GenerateInquiryID,
			wantPrefix: "inq_",
		},
		{
			name:       "session ID format",
			generate:   GenerateSessionID,
			wantPrefix: "ses_",
		},
		{
			name:       "event ID format",
			generate:   GenerateEventID,
			wantPrefix: "evt_",
		},
		{
			name:       "custom prefix",
			generate:   func() string { return GenerateRandomID("test_") },
			wantPrefix: "test_",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.generate()

			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("generated %v, want prefix %v", got, tt.wantPrefix)
			}
			if len(got) != len(tt.wantPrefix)+32 {
				t.Errorf("generated length = %v, want %v", len(got), len(tt.wantPrefix)+32)
			}
			if !HasIDPrefix(got, tt.wantPrefix) {
				t.Errorf("HasIDPrefix(%v, %v) = false", got, tt.wantPrefix)
			}
		})
	}
}

func TestHasIDPrefix(t *testing.T) {
	if HasIDPrefix("ses_123", SessionIDPrefix) {
		t.Error("short id accepted")
	}
	if HasIDPrefix("inq_"+strings.Repeat("a", 32), SessionIDPrefix) {
		t.Error("wrong prefix accepted")
	}
	if HasIDPrefix("ses_"+strings.Repeat("z", 32), SessionIDPrefix) {
		t.Error("non-hex id accepted")
	}
}

func TestRandomIDUniqueness(t *testing.T) {
	const iterations = 1000
	seen := make(map[string]bool)

	for i := 0; i < iterations; i++ {
		id := GenerateSessionID()
		if seen[id] {
			t.Errorf("GenerateSessionID() generated duplicate: %v", id)
		}
		seen[id] = true
	}
}
