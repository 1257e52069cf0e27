package moderation

import (
	"context"
	"strings"
	"testing"
)

func TestLocalStrategy_DenyList(t *testing.T) {
	s := NewLocalStrategy([]string{"badword", "go die"})
	ctx := context.Background()

	tests := []struct {
		name    string
		input   string
		verdict string
		term    string
	}{
		{"exact match", "badword", VerdictRejected, "badword"},
		{"in sentence", "well badword happens", VerdictRejected, "badword"},
		{"case insensitive", "BADWORD", VerdictRejected, "badword"},
		{"mixed case", "BaDwOrD", VerdictRejected, "badword"},
		{"substring match", "superbadwording", VerdictRejected, "badword"},
		{"phrase", "you should go die now", VerdictRejected, "go die"},
		{"phrase case insensitive", "GO DIE", VerdictRejected, "go die"},
		{"clean message", "hello world", VerdictApproved, ""},
		{"empty content", "", VerdictApproved, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.Moderate(ctx, tt.input)
			if err != nil {
				t.Fatalf("Moderate(%q) error: %v", tt.input, err)
			}
			if result.Verdict != tt.verdict {
				t.Errorf("Moderate(%q).Verdict = %q, want %q", tt.input, result.Verdict, tt.verdict)
			}
			if result.Provider != ProviderLocal {
				t.Errorf("Provider = %q, want %q", result.Provider, ProviderLocal)
			}
			if tt.verdict == VerdictRejected {
				if !strings.Contains(result.Reason, tt.term) {
					t.Errorf("Reason = %q, want it to name term %q", result.Reason, tt.term)
				}
				want := "Palavra proibida detectada: " + tt.term
				if result.Reason != want {
					t.Errorf("Reason = %q, want %q", result.Reason, want)
				}
			} else if result.Reason != "clean_content" {
				t.Errorf("Reason = %q, want clean_content", result.Reason)
			}
			if result.Score == nil || *result.Score != 1.0 {
				t.Errorf("Score = %v, want 1.0", result.Score)
			}
		})
	}
}

func TestLocalStrategy_EmptyDenyListApprovesEverything(t *testing.T) {
	s := NewLocalStrategy(nil)

	result, err := s.Moderate(context.Background(), "anything at all")
	if err != nil {
		t.Fatalf("Moderate() error: %v", err)
	}
	if result.Verdict != VerdictApproved {
		t.Errorf("Verdict = %q, want APPROVED", result.Verdict)
	}
}

func TestNewLocalStrategy_NormalizesTerms(t *testing.T) {
	s := NewLocalStrategy([]string{"  BadWord  ", "", "   "})

	result, err := s.Moderate(context.Background(), "this has badword inside")
	if err != nil {
		t.Fatalf("Moderate() error: %v", err)
	}
	if result.Verdict != VerdictRejected {
		t.Errorf("Verdict = %q, want REJECTED (terms should be lowercased and trimmed)", result.Verdict)
	}
}
