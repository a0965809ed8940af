package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	perrors "github.com/p-blackswan/valhalla/internal/errors"
)

const (
	vertexAnthropicVersion = "vertex-2023-10-16"
	defaultVertexTimeout   = 120 * time.Second
	maxErrorBody           = 512
)

// DefaultVertexEndpoint returns the regional Vertex AI base URL.
func DefaultVertexEndpoint(region string) string {
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com", region)
}

// VertexProvider calls Claude models published on Vertex AI through the
// rawPredict method.
type VertexProvider struct {
	info     EndpointInfo
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

// VertexOption configures the provider.
type VertexOption func(*VertexProvider)

// WithEndpoint overrides the regional base URL. An empty url keeps the default.
func WithEndpoint(url string) VertexOption {
	return func(p *VertexProvider) {
		if url != "" {
			p.endpoint = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client. The caller is then responsible for auth.
func WithHTTPClient(c *http.Client) VertexOption {
	return func(p *VertexProvider) { p.client = c }
}

// WithLogger sets the provider logger.
func WithLogger(l zerolog.Logger) VertexOption {
	return func(p *VertexProvider) { p.logger = l.With().Str("component", "llm.vertex").Logger() }
}

// NewVertexProvider constructs a provider for info. Requests carry a bearer
// token from ts; a nil ts sends no Authorization header.
func NewVertexProvider(info EndpointInfo, ts oauth2.TokenSource, timeout time.Duration, opts ...VertexOption) *VertexProvider {
	if timeout <= 0 {
		timeout = defaultVertexTimeout
	}
	client := &http.Client{Timeout: timeout}
	if ts != nil {
		client.Transport = &oauth2.Transport{Source: ts, Base: http.DefaultTransport}
	}

	p := &VertexProvider{
		info:     info,
		endpoint: DefaultVertexEndpoint(info.Region),
		client:   client,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StaticToken wraps a fixed access token as a token source. Empty returns nil.
func StaticToken(accessToken string) oauth2.TokenSource {
	if accessToken == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
}

// Info describes where requests are sent.
func (p *VertexProvider) Info() EndpointInfo { return p.info }

// URL is the rawPredict address for the configured model.
func (p *VertexProvider) URL() string {
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:rawPredict",
		p.endpoint, p.info.ProjectID, p.info.Region, p.info.Model)
}

// ---- wire types ----

type vertexMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type vertexRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	Messages         []vertexMessage `json:"messages"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      *float64        `json:"temperature,omitempty"`
}

type vertexContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type vertexResponse struct {
	ID         string               `json:"id"`
	Content    []vertexContentBlock `json:"content"`
	StopReason string               `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends prompt as a single user message and returns the concatenated text blocks.
func (p *VertexProvider) Generate(ctx context.Context, prompt string, cfg GenerationConfig) (string, error) {
	vr := vertexRequest{
		AnthropicVersion: vertexAnthropicVersion,
		Messages:         []vertexMessage{{Role: RoleUser, Content: prompt}},
		MaxTokens:        cfg.MaxOutputTokens,
	}
	if vr.MaxTokens <= 0 {
		vr.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature != nil {
		t := *cfg.Temperature
		vr.Temperature = &t
	}

	body, err := json.Marshal(vr)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("vertex http: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", perrors.NewAPIError("vertex", resp.StatusCode, errorMessage(raw))
	}

	var out vertexResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if out.Error != nil {
		return "", perrors.NewAPIError("vertex", resp.StatusCode, out.Error.Type+": "+out.Error.Message)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	p.logger.Debug().
		Str("model", p.info.Model).
		Str("stop_reason", out.StopReason).
		Int("in_tokens", out.Usage.InputTokens).
		Int("out_tokens", out.Usage.OutputTokens).
		Msg("vertex generate")
	return text.String(), nil
}

// errorMessage pulls a readable message out of an error body.
func errorMessage(raw []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}
