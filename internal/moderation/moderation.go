// Package moderation provides the content moderation pipeline: a pluggable
// strategy interface, a deterministic local deny-list strategy, a remote AI
// classifier, and a coordinator that selects a strategy and applies the
// fallback chain. Every chat message passes through here before it becomes
// visible to anyone.
package moderation

import "context"

// Message verdicts. These are stored verbatim in the messages.status column
// and in moderation_logs.verdict.
const (
	VerdictApproved = "APPROVED"
	VerdictRejected = "REJECTED"
)

// Provider identifiers.
const (
	ProviderLocal  = "local_dictionary"
	ProviderOpenAI = "openai"
	ProviderSystem = "system" // synthetic verdicts when every strategy failed
)

// Result is the outcome of moderating one message's text.
type Result struct {
	Verdict  string   `json:"verdict"`
	Provider string   `json:"provider"`
	Score    *float64 `json:"score,omitempty"`    // confidence in [0,1], nil when unknown
	Reason   string   `json:"reason"`            // human-readable; required for REJECTED
	Category string   `json:"category,omitempty"` // e.g. HATE, SEXUAL, VIOLENCE, HARASSMENT
}

// Strategy classifies message text. Implementations return an error only for
// infrastructure failures (network, malformed response); an error is never a
// verdict, and a verdict is never produced from a failed call.
type Strategy interface {
	// Moderate evaluates content and returns a verdict result.
	Moderate(ctx context.Context, content string) (Result, error)

	// Provider returns the strategy's stable identifier.
	Provider() string
}

func score(v float64) *float64 { return &v }
