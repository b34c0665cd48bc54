package plan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/config"
	"github.com/fyrsmithlabs/unifyd/internal/ledger"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-sonnet-20241022"
	defaultOpenAIBaseURL    = "https://api.openai.com"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultLLMTimeout       = 60 * time.Second
	defaultMaxRetries       = 3
	defaultBaseBackoff      = 1 * time.Second
	defaultRateLimit        = 50.0 / 60.0
	defaultBurst            = 5

	completionMaxTokens = 2048
)

// ErrNoProvider is returned when an LLM generator is requested without
// a configured provider.
var ErrNoProvider = errors.New("no llm provider configured")

// CompletionClient is the single boundary to a model backend. The
// planner never sees anything past this function.
type CompletionClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// NewCompletionClient builds a client for the configured provider.
func NewCompletionClient(cfg config.LLMConfig) (CompletionClient, error) {
	switch cfg.Provider {
	case "anthropic":
		return newAnthropicClient(cfg)
	case "openai":
		return newOpenAIClient(cfg)
	case "":
		return nil, ErrNoProvider
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// LLMGenerator proposes model-backed rewrites at the enhancement tier.
// It is the one generator exempt from determinism; everything the
// model suggests still flows through the same scoring and policy path
// as the deterministic built-ins.
type LLMGenerator struct {
	client CompletionClient
	// ContextLines widens the excerpt sent to the model around the
	// issue's line span.
	ContextLines int
}

// NewLLMGenerator wraps a completion client as a fix generator.
func NewLLMGenerator(client CompletionClient) *LLMGenerator {
	return &LLMGenerator{client: client, ContextLines: 2}
}

func (g *LLMGenerator) Name() string { return "llm" }

func (g *LLMGenerator) Propose(ctx context.Context, issue analysis.Issue, content string) ([]Fix, error) {
	loc := issue.Location
	if loc.LineStart < 1 {
		return nil, nil
	}
	lines := strings.Split(content, "\n")
	// The trailing newline's empty element stays outside the editable
	// window so a rewrite cannot eat the document's final newline.
	editable := len(lines)
	if strings.HasSuffix(content, "\n") {
		editable--
	}
	start := loc.LineStart - 1 - g.ContextLines
	if start < 0 {
		start = 0
	}
	end := loc.LineEnd + g.ContextLines
	if end < loc.LineStart {
		end = loc.LineStart + g.ContextLines
	}
	if end > editable {
		end = editable
	}
	if start >= end {
		return nil, nil
	}
	excerpt := strings.Join(lines[start:end], "\n")

	prompt := fmt.Sprintf(
		"A diagnostic tool reported the following problem in a document:\n\n"+
			"  %s\n\nEvidence: %s\n\n"+
			"Rewrite this excerpt to address the problem. Keep every line you do not "+
			"need to change byte-identical, and reply with only the rewritten excerpt:\n\n%s",
		issue.Description, issue.Evidence, excerpt)

	reply, err := g.client.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("llm completion: %w", err)
	}
	replacement := strings.TrimSuffix(reply, "\n")
	if replacement == excerpt || replacement == "" {
		return nil, nil
	}

	modified := append([]string{}, lines[:start]...)
	modified = append(modified, strings.Split(replacement, "\n")...)
	modified = append(modified, lines[end:]...)
	next := strings.Join(modified, "\n")
	if next == content {
		return nil, nil
	}

	return []Fix{{
		Tier:      TierEnhancement,
		Patch:     ledger.MakePatch(content, next),
		Summary:   fmt.Sprintf("model-suggested rewrite for: %s", issue.Description),
		Tradeoffs: "generated by a language model; review before trusting",
	}}, nil
}

// retryableError marks errors worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryableError(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// completeWithRetry runs do with rate limiting and exponential backoff
// on retryable failures.
func completeWithRetry(ctx context.Context, limiter *rate.Limiter, maxRetries int, do func(context.Context) (string, error)) (string, error) {
	if err := limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		response, err := do(ctx)
		if err == nil {
			return response, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// clientSettings resolves shared HTTP client options from config.
func clientSettings(cfg config.LLMConfig) (*http.Client, *rate.Limiter, int) {
	timeout := defaultLLMTimeout
	if cfg.Timeout.Duration() > 0 {
		timeout = cfg.Timeout.Duration()
	}
	rps := defaultRateLimit
	if cfg.RequestsPerMinute > 0 {
		rps = cfg.RequestsPerMinute / 60.0
	}
	burst := defaultBurst
	if cfg.Burst > 0 {
		burst = cfg.Burst
	}
	retries := defaultMaxRetries
	if cfg.MaxRetries > 0 {
		retries = cfg.MaxRetries
	}
	return &http.Client{Timeout: timeout}, rate.NewLimiter(rate.Limit(rps), burst), retries
}

type anthropicClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

func newAnthropicClient(cfg config.LLMConfig) (*anthropicClient, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("anthropic API key required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	httpClient, limiter, retries := clientSettings(cfg)
	return &anthropicClient{
		model:      model,
		apiKey:     cfg.APIKey.Value(),
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    limiter,
		maxRetries: retries,
	}, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *anthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	req := anthropicRequest{
		Model:       a.model,
		MaxTokens:   completionMaxTokens,
		Temperature: 0.2,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
	}
	return completeWithRetry(ctx, a.limiter, a.maxRetries, func(ctx context.Context) (string, error) {
		return a.doRequest(ctx, req)
	})
}

func (a *anthropicClient) doRequest(ctx context.Context, req anthropicRequest) (string, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.apiKey)
	httpReq.Header.Set("Anthropic-Version", "2023-06-01")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("API request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &retryableError{err: fmt.Errorf("rate limited (429)")}
	case resp.StatusCode >= 500:
		return "", &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))}
	case resp.StatusCode != http.StatusOK:
		var errResp anthropicError
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("empty response from API")
	}
	return parsed.Content[0].Text, nil
}

type openAIClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

func newOpenAIClient(cfg config.LLMConfig) (*openAIClient, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("openai API key required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	httpClient, limiter, retries := clientSettings(cfg)
	return &openAIClient{
		model:      model,
		apiKey:     cfg.APIKey.Value(),
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    limiter,
		maxRetries: retries,
	}, nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Messages    []openAIMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (o *openAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	req := openAIRequest{
		Model:       o.model,
		MaxTokens:   completionMaxTokens,
		Temperature: 0.2,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
	}
	return completeWithRetry(ctx, o.limiter, o.maxRetries, func(ctx context.Context) (string, error) {
		return o.doRequest(ctx, req)
	})
}

func (o *openAIClient) doRequest(ctx context.Context, req openAIRequest) (string, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("API request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &retryableError{err: fmt.Errorf("rate limited (429)")}
	case resp.StatusCode >= 500:
		return "", &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))}
	case resp.StatusCode != http.StatusOK:
		var errResp openAIError
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty response from API")
	}
	return parsed.Choices[0].Message.Content, nil
}

var (
	_ CompletionClient = (*anthropicClient)(nil)
	_ CompletionClient = (*openAIClient)(nil)
	_ Generator        = (*LLMGenerator)(nil)
	_ Generator        = NewlineGenerator{}
	_ Generator        = (*RedactionGenerator)(nil)
	_ Generator        = WhitespaceGenerator{}
	_ Generator        = AdvisoryGenerator{}
)
