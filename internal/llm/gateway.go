package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/valhalla/internal/errors"
	"github.com/p-blackswan/valhalla/internal/metrics"
	"github.com/p-blackswan/valhalla/internal/retry"
)

// Chat defaults applied to zero-valued ChatRequest fields.
const (
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.7
	DefaultRetries     = 3
)

const (
	healthPrompt    = "Respond with just 'OK'"
	healthMaxTokens = 10
)

const troubleshooting = `
1. Verify GCP_PROJECT_ID environment variable is set correctly
2. Ensure Claude is enabled in Vertex AI Model Garden
3. Check service account has Vertex AI User role
4. Verify the model name is correct for your region
5. Check GCP quotas and billing
6. Review Cloud Logging for detailed error messages
`

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithSleep replaces the wait between attempts.
func WithSleep(sleep retry.SleepFunc) GatewayOption {
	return func(g *Gateway) { g.sleep = sleep }
}

// WithClock replaces time.Now for response time measurement.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// WithMetrics records chat outcomes, retries, cost and latency.
func WithMetrics(m *metrics.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway sends chat turns to a Provider and keeps rolling usage counters.
// It is safe for concurrent use. A nil provider means the endpoint is not
// configured; every Chat then returns a configuration error message.
type Gateway struct {
	provider Provider
	info     EndpointInfo
	sleep    retry.SleepFunc
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu               sync.Mutex
	totalRequests    int
	totalCost        float64
	lastRequestCost  float64
	lastResponseTime time.Duration
}

// NewGateway creates a gateway for the endpoint described by info.
func NewGateway(provider Provider, info EndpointInfo, logger zerolog.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		provider: provider,
		info:     info,
		now:      time.Now,
		logger:   logger.With().Str("component", "llm.gateway").Logger(),
	}
	for _, o := range opts {
		o(g)
	}
	if provider == nil {
		g.logger.Warn().Msg("GCP_PROJECT_ID not set - model endpoint not initialized")
	} else {
		g.logger.Info().
			Str("project_id", info.ProjectID).
			Str("region", info.Region).
			Str("model", info.Model).
			Msg("model endpoint initialized")
	}
	return g
}

// Configured reports whether an endpoint handle exists.
func (g *Gateway) Configured() bool {
	return g.provider != nil
}

// Info returns the endpoint description.
func (g *Gateway) Info() EndpointInfo {
	return g.info
}

// Chat sends one user turn and returns the text to show the user. It never
// returns an error: failures come back as formatted messages with
// Outcome telling them apart from model replies.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) ChatResult {
	if g.provider == nil {
		g.metrics.RecordChat(string(OutcomeNotConfigured))
		return ChatResult{
			Text: g.formatError("Vertex AI not configured",
				"Set GCP_PROJECT_ID environment variable and ensure Vertex AI is enabled", ""),
			Outcome: OutcomeNotConfigured,
		}
	}

	start := g.now()

	prompt, err := BuildPrompt(req.Message, req.Context, req.History)
	if err != nil {
		g.logger.Error().Err(err).Msg("prompt building error")
		g.metrics.RecordChat(string(OutcomeBuildFailed))
		return ChatResult{
			Text:    g.formatError("Failed to build prompt", err.Error(), ""),
			Outcome: OutcomeBuildFailed,
		}
	}

	temperature := DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	gen := GenerationConfig{MaxOutputTokens: req.MaxTokens, Temperature: &temperature}
	if gen.MaxOutputTokens <= 0 {
		gen.MaxOutputTokens = DefaultMaxTokens
	}
	attempts := req.Retries
	if attempts < 1 {
		attempts = DefaultRetries
	}

	rc := retry.ModelConfig(attempts)
	rc.Sleep = g.sleep
	rc.OnRetry = func(attempt int, err error, wait time.Duration) {
		g.metrics.RecordRetry()
		g.logger.Info().Dur("wait", wait).Int("attempt", attempt+1).Msg("retrying model call")
	}

	var text string
	n, err := retry.Do(ctx, rc, func(ctx context.Context, attempt int) error {
		out, err := g.provider.Generate(ctx, prompt, gen)
		if err != nil {
			g.logger.Warn().Err(err).Msgf("attempt %d/%d failed", attempt+1, attempts)
			return err
		}
		text = out
		return nil
	})
	elapsed := g.now().Sub(start)

	if err != nil {
		g.logger.Error().Err(err).Int("attempts", n).Msg("all retry attempts failed")
		g.metrics.RecordChat(string(OutcomeFailed))
		return ChatResult{
			Text:     g.formatError("Vertex AI request failed", cause(err).Error(), troubleshooting),
			Outcome:  OutcomeFailed,
			Attempts: n,
			Elapsed:  elapsed,
		}
	}

	cost := EstimateCost(prompt, text)

	g.mu.Lock()
	g.totalRequests++
	g.totalCost += cost
	g.lastRequestCost = cost
	g.lastResponseTime = elapsed
	g.mu.Unlock()

	g.metrics.RecordChat(string(OutcomeSuccess))
	g.metrics.AddCost(cost)
	g.metrics.ObserveChatDuration(elapsed.Seconds())
	g.logger.Info().
		Str("cost", fmt.Sprintf("$%.4f", cost)).
		Str("time", fmt.Sprintf("%.2fs", elapsed.Seconds())).
		Int("attempts", n).
		Msg("request successful")

	return ChatResult{
		Text:     text,
		Outcome:  OutcomeSuccess,
		Attempts: n,
		Cost:     cost,
		Elapsed:  elapsed,
	}
}

// cause strips the attempt wrapper so the user sees the provider's message.
func cause(err error) error {
	var ce *perrors.CallError
	if errors.As(err, &ce) && ce.Err != nil {
		return ce.Err
	}
	return err
}

// formatError renders a user-facing failure message. The configuration block
// names the endpoint but never carries credentials.
func (g *Gateway) formatError(title, details, steps string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "❌ **%s**\n\n**Details:** %s\n", title, details)
	if steps != "" {
		fmt.Fprintf(&b, "\n**Troubleshooting:**\n%s\n", steps)
	}

	projectID := g.info.ProjectID
	if projectID == "" {
		projectID = "NOT SET"
	}
	fmt.Fprintf(&b, "\n**Configuration:**\n- Project ID: %s\n- Region: %s\n- Model: %s\n", projectID, g.info.Region, g.info.Model)
	b.WriteString("\n**Need Help?**\nCheck the deployment documentation or run the diagnostic script.\n")
	return b.String()
}

// Stats returns the usage counters, cost rounded to 4 decimals and response
// time to 2.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		TotalRequests:           g.totalRequests,
		TotalCost:               round(g.totalCost, 4),
		LastRequestCost:         round(g.lastRequestCost, 4),
		LastResponseTimeSeconds: round(g.lastResponseTime.Seconds(), 2),
		Model:                   g.info.Model,
		ProjectID:               g.info.ProjectID,
		Region:                  g.info.Region,
	}
}

// ResetStats zeroes the request count, total cost and last request cost.
// The last response time is kept.
func (g *Gateway) ResetStats() {
	g.mu.Lock()
	g.totalRequests = 0
	g.totalCost = 0
	g.lastRequestCost = 0
	g.mu.Unlock()
	g.logger.Info().Msg("usage statistics reset")
}

// HealthCheck sends a tiny probe prompt. The endpoint is healthy when the
// reply contains "OK".
func (g *Gateway) HealthCheck(ctx context.Context) ModelHealth {
	h := ModelHealth{
		ProjectConfigured: g.info.ProjectID != "",
		ModelInitialized:  g.provider != nil,
		Timestamp:         g.now(),
	}
	if g.provider == nil {
		return h
	}

	text, err := g.provider.Generate(ctx, healthPrompt, GenerationConfig{MaxOutputTokens: healthMaxTokens})
	if err != nil {
		h.Error = err.Error()
		g.logger.Error().Err(err).Msg("health check failed")
		return h
	}
	h.Healthy = strings.Contains(text, "OK")
	h.TestResponse = text
	return h
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
