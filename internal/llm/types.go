// Package llm talks to the hosted model endpoint. It builds the text prompt,
// calls a Provider with retries, estimates cost, and keeps rolling usage
// counters. Providers are interchangeable behind the Provider interface.
package llm

import (
	"context"
	"time"
)

// Role constants for Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserMessage returns a message authored by the user.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage returns a message authored by the assistant.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ContextField is one "- key: value" line of project context in the prompt.
type ContextField struct {
	Key   string
	Value string
}

// GenerationConfig carries the generation parameters sent with a prompt.
// A nil Temperature leaves the endpoint's default in place; zero is sent as is.
type GenerationConfig struct {
	MaxOutputTokens int
	Temperature     *float64
}

// EndpointInfo describes where a provider sends requests. It never carries secrets.
type EndpointInfo struct {
	ProjectID string `json:"project_id"`
	Region    string `json:"region"`
	Model     string `json:"model"`
}

// Provider is the remote generative-model collaborator: one text prompt in,
// generated text out, or an error on transport, quota or auth failure.
type Provider interface {
	Generate(ctx context.Context, prompt string, cfg GenerationConfig) (string, error)
}

// Outcome is the terminal state of a Chat call.
type Outcome string

const (
	// OutcomeNotConfigured means no endpoint handle exists; nothing was attempted.
	OutcomeNotConfigured Outcome = "not_configured"
	// OutcomeBuildFailed means the prompt could not be built; nothing was sent.
	OutcomeBuildFailed Outcome = "build_failed"
	// OutcomeSuccess means the endpoint returned text.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailed means every attempt reached the endpoint layer and failed.
	OutcomeFailed Outcome = "failed"
)

// ChatRequest is the input to Gateway.Chat. Zero values select the defaults
// (4096 max tokens, temperature 0.7, 3 attempts).
type ChatRequest struct {
	Message     string
	Context     []ContextField
	History     []Message
	MaxTokens   int
	Temperature *float64
	Retries     int
}

// ChatResult is the text shown to the user plus what happened to produce it.
type ChatResult struct {
	Text     string
	Outcome  Outcome
	Attempts int
	// Cost is this call's estimated cost in USD; zero unless Outcome is OutcomeSuccess.
	Cost    float64
	Elapsed time.Duration
}

// Reached reports whether the call got as far as the remote endpoint. Only
// reached calls count as requests for usage display.
func (r ChatResult) Reached() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomeFailed
}

// Stats is the rolling usage snapshot returned by Gateway.Stats.
type Stats struct {
	TotalRequests           int     `json:"total_requests"`
	TotalCost               float64 `json:"total_cost"`
	LastRequestCost         float64 `json:"last_request_cost"`
	LastResponseTimeSeconds float64 `json:"last_response_time"`
	Model                   string  `json:"model"`
	ProjectID               string  `json:"project_id"`
	Region                  string  `json:"location"`
}

// ModelHealth is the result of Gateway.HealthCheck.
type ModelHealth struct {
	Healthy           bool      `json:"healthy"`
	ProjectConfigured bool      `json:"project_configured"`
	ModelInitialized  bool      `json:"model_initialized"`
	TestResponse      string    `json:"test_response,omitempty"`
	Error             string    `json:"error,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}
