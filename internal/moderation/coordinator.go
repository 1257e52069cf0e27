package moderation

import (
	"context"
	"fmt"
	"log"
)

// Config carries the settings needed to construct strategies.
type Config struct {
	Provider     string   // active strategy name: "local" or "openai"
	DenyList     []string // terms for the local strategy
	OpenAIAPIKey string
	OpenAIModel  string
}

// strategyBuilders is the closed registration table mapping provider names to
// constructors. Built once at startup; unknown names resolve to the local
// strategy rather than an unhandled-case fault.
var strategyBuilders = map[string]func(Config) Strategy{
	"local": func(cfg Config) Strategy {
		return NewLocalStrategy(denyList(cfg))
	},
	"openai": func(cfg Config) Strategy {
		return NewOpenAIStrategy(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	},
}

// Coordinator selects the active moderation strategy and applies the fallback
// chain: primary -> local -> synthetic reject. It guarantees that moderation
// always resolves to a verdict and that a failure is never silently turned
// into an approval.
type Coordinator struct {
	primary  Strategy
	fallback Strategy
}

// denyList resolves the configured deny-list, defaulting when empty.
func denyList(cfg Config) []string {
	if len(cfg.DenyList) == 0 {
		return DefaultDenyList
	}
	return cfg.DenyList
}

// NewCoordinator builds a Coordinator from configuration. An unrecognized
// provider name falls back to the local strategy with a logged warning.
func NewCoordinator(cfg Config) *Coordinator {
	local := NewLocalStrategy(denyList(cfg))

	build, ok := strategyBuilders[cfg.Provider]
	if !ok {
		log.Printf("[moderation] unknown provider %q, falling back to local (valid: local, openai)", cfg.Provider)
		return &Coordinator{primary: local, fallback: local}
	}

	return &Coordinator{primary: build(cfg), fallback: local}
}

// NewCoordinatorWith wires explicit strategies; used by tests and by callers
// that construct strategies themselves.
func NewCoordinatorWith(primary, fallback Strategy) *Coordinator {
	return &Coordinator{primary: primary, fallback: fallback}
}

// Moderate runs the fallback chain on content and always returns a Result.
// Chain: primary strategy; on error, one retry with the local fallback; if
// the fallback also errors, a synthetic REJECTED result with provider
// "system". Total failure never resolves to an approval.
func (c *Coordinator) Moderate(ctx context.Context, content string) Result {
	result, err := c.primary.Moderate(ctx, content)
	if err == nil {
		return result
	}
	log.Printf("[moderation] provider %s failed, retrying with %s: %v",
		c.primary.Provider(), c.fallback.Provider(), err)

	result, fbErr := c.fallback.Moderate(ctx, content)
	if fbErr == nil {
		return result
	}
	log.Printf("[moderation] fallback provider %s also failed: %v", c.fallback.Provider(), fbErr)

	return Result{
		Verdict:  VerdictRejected,
		Provider: ProviderSystem,
		Reason: fmt.Sprintf("moderation unavailable: primary %s and fallback %s failed",
			c.primary.Provider(), c.fallback.Provider()),
	}
}
