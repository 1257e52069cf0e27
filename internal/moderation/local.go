package moderation

import (
	"context"
	"fmt"
	"strings"
)

// DefaultDenyList is the deny-list used when none is configured. Kept short
// on purpose; deployments configure the real list via PROFANITY_LIST.
var DefaultDenyList = []string{
	"palavrão",
	"ofensa",
}

// LocalStrategy rejects content containing any deny-listed term using a
// case-insensitive substring match. It is deterministic, performs no I/O and
// never fails, which makes it the guaranteed-available fallback for the
// coordinator.
type LocalStrategy struct {
	terms []string // stored lowercase
}

// NewLocalStrategy builds a LocalStrategy from the given deny-list. An empty
// or nil list yields a strategy that approves everything. Terms are matched
// case-insensitively; surrounding whitespace is trimmed and empty entries are
// dropped.
func NewLocalStrategy(terms []string) *LocalStrategy {
	cleaned := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			cleaned = append(cleaned, t)
		}
	}
	return &LocalStrategy{terms: cleaned}
}

// Provider returns the local strategy identifier.
func (s *LocalStrategy) Provider() string { return ProviderLocal }

// Moderate scans content for deny-listed terms. The first match wins and the
// rejection reason names the matched term. A clean message is approved with
// reason "clean_content".
func (s *LocalStrategy) Moderate(_ context.Context, content string) (Result, error) {
	lower := strings.ToLower(content)

	for _, term := range s.terms {
		if strings.Contains(lower, term) {
			return Result{
				Verdict:  VerdictRejected,
				Provider: ProviderLocal,
				Score:    score(1.0),
				Reason:   fmt.Sprintf("Palavra proibida detectada: %s", term),
			}, nil
		}
	}

	return Result{
		Verdict:  VerdictApproved,
		Provider: ProviderLocal,
		Score:    score(1.0),
		Reason:   "clean_content",
	}, nil
}
