package moderation

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// systemPrompt instructs the model to act as a chat moderation classifier and
// answer with structured JSON only.
const systemPrompt = `You are a high-precision chat moderation system.
Analyze the message and check for safety violations.

Blocking rules:
- HATE: hate speech, racism, homophobia.
- SEXUAL: sexually explicit content.
- VIOLENCE: credible threats, incitement to violence or self-harm.
- HARASSMENT: severe harassment or bullying.

Return ONLY a JSON object with the format:
{
    "approved": boolean,
    "reason": "string or null",
    "category": "string or null",
    "score": float
}`

// classifierResponse is the JSON shape the model is instructed to return.
type classifierResponse struct {
	Approved bool    `json:"approved"`
	Reason   string  `json:"reason"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// completionClient is the slice of the OpenAI client used by the strategy,
// extracted so tests can substitute a fake.
type completionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIStrategy moderates content with a remote text-classification call.
// Any network or response-format failure is returned as an error; the caller
// (the coordinator) decides what to do with a failed attempt.
type OpenAIStrategy struct {
	client completionClient
	model  string
}

// NewOpenAIStrategy builds a strategy calling the OpenAI chat completion API
// with the given key and model. An empty model selects gpt-4o-mini.
func NewOpenAIStrategy(apiKey, model string) *OpenAIStrategy {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIStrategy{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// Provider returns the remote strategy identifier.
func (s *OpenAIStrategy) Provider() string { return ProviderOpenAI }

// Moderate sends content to the classifier and maps its JSON answer to a
// Result. Temperature is pinned to zero and the response format to JSON so
// the answer stays machine-parseable.
func (s *OpenAIStrategy) Moderate(ctx context.Context, content string) (Result, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("moderation: openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("moderation: openai returned no choices")
	}

	var parsed classifierResponse
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return Result{}, fmt.Errorf("moderation: openai response is not valid JSON: %w", err)
	}

	if parsed.Approved {
		return Result{
			Verdict:  VerdictApproved,
			Provider: ProviderOpenAI,
			Score:    score(parsed.Score),
			Reason:   "clean_content",
		}, nil
	}

	reason := parsed.Reason
	if reason == "" {
		reason = "content_violation"
	}
	return Result{
		Verdict:  VerdictRejected,
		Provider: ProviderOpenAI,
		Score:    score(parsed.Score),
		Reason:   reason,
		Category: parsed.Category,
	}, nil
}
