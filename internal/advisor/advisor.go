// Package advisor implements the fail-safe client for the external advisory
// service. The advisor only recommends — it never decides, and its failure
// never blocks or alters a decision. Every failure mode (disabled, missing
// credential, timeout, transport error, non-2xx status, malformed payload)
// collapses to ("", false); no error ever crosses this package boundary.
//
// The outbound call runs on a dedicated http.Client with a hard timeout that
// must be strictly shorter than the engine's request budget, so a hung
// advisory endpoint cannot stall decisions. Config validation enforces the
// ordering against the server write timeout.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/actionguard/actionguard/internal/engine"
	"github.com/actionguard/actionguard/internal/telemetry"
)

// DefaultTimeout bounds the advisory call when configuration supplies none.
const DefaultTimeout = 10 * time.Second

const systemPrompt = "You are a security advisor for an action authorization engine. Be concise."

// Config holds advisory client settings, populated from the advisor section
// of the application config.
type Config struct {
	Enabled   bool
	APIKey    string
	BaseURL   string // chat-completions endpoint, e.g. https://api.x.ai/v1/chat/completions
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Client calls an OpenAI-compatible chat-completions endpoint for advisory
// recommendations. It implements engine.Advisor.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ engine.Advisor = (*Client)(nil)

// New creates an advisory client. The HTTP client timeout doubles as the hard
// upper bound on the call even when the caller's context has no deadline.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Recommend returns (recommendation, true) on success and ("", false) on any
// failure. It never returns an error and never panics across its boundary.
func (c *Client) Recommend(ctx context.Context, req *engine.ActionRequest) (string, bool) {
	if !c.cfg.Enabled {
		return "", false
	}
	if c.cfg.APIKey == "" {
		slog.Warn("advisor enabled but no API key configured, continuing without advice")
		return "", false
	}

	start := time.Now()
	text, err := c.call(ctx, req)
	telemetry.AdvisorRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.AdvisorRequestsTotal.WithLabelValues("error").Inc()
		slog.Warn("advisory call failed, continuing without advice", "error", err)
		return "", false
	}
	telemetry.AdvisorRequestsTotal.WithLabelValues("ok").Inc()
	return text, true
}

func (c *Client) call(ctx context.Context, req *engine.ActionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(req)},
		},
		MaxTokens: c.cfg.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode advisory request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create advisory request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("advisory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("advisory service returned status %d: %s", resp.StatusCode, string(snippet))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode advisory response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("advisory response contained no choices")
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("advisory response was empty")
	}
	return text, nil
}

func buildPrompt(req *engine.ActionRequest) string {
	var b strings.Builder
	b.WriteString("Analyze this action request and provide a brief recommendation (1-2 sentences).\n\n")
	fmt.Fprintf(&b, "Action Type: %s\n", req.ActionType)
	if req.ResourceID != "" {
		fmt.Fprintf(&b, "Resource ID: %s\n", req.ResourceID)
	}
	fmt.Fprintf(&b, "User ID: %s\n", req.UserID)
	if len(req.Context) > 0 {
		ctxJSON, err := json.Marshal(req.Context)
		if err == nil {
			fmt.Fprintf(&b, "Context: %s\n", ctxJSON)
		}
	}
	b.WriteString("\nRespond with \"Recommend approval: ...\", \"Recommend caution: ...\", or \"Recommend rejection: ...\" and focus on security implications.")
	return b.String()
}

// Disabled returns an advisor that always reports unavailability. Used when
// the advisory feature is switched off entirely.
func Disabled() *Client {
	return New(Config{Enabled: false})
}
