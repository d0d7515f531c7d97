// Package util provides small helpers shared across LeadGate components.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes for persisted records.
const (
	InquiryIDPrefix = "inq_"
	SessionIDPrefix = "ses_"
	EventIDPrefix   = "evt_"
	OutboxIDPrefix  = "outbox_"
	JobIDPrefix     = "job_"
)

// GenerateRandomID returns prefix followed by 32 hex characters of a random
// (version 4) UUID.
func GenerateRandomID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateInquiryID generates a unique inquiry ID with "inq_" prefix.
func GenerateInquiryID() string {
	return GenerateRandomID(InquiryIDPrefix)
}

// GenerateSessionID generates a unique clarification session ID with "ses_" prefix.
// Session IDs are the only credential a lead holds, so they must stay unguessable.
func GenerateSessionID() string {
	return GenerateRandomID(SessionIDPrefix)
}

// GenerateEventID generates a unique audit event ID with "evt_" prefix.
func GenerateEventID() string {
	return GenerateRandomID(EventIDPrefix)
}

// HasIDPrefix reports whether id carries prefix followed by 32 hex characters.
func HasIDPrefix(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	rest := id[len(prefix):]
	if len(rest) != 32 {
		return false
	}
	for _, c := range rest {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
