package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bbiangul/ingestor/fault"
)

// ErrMissingCredentials reports a hosted provider configured without an API
// key. Calls fail immediately, with no retry.
var ErrMissingCredentials = errors.New("llm: missing api credentials")

// ErrMalformedResponse reports a model reply that could not be parsed into
// the requested JSON shape. It is never retried.
var ErrMalformedResponse = errors.New("llm: malformed model response")

// ErrNoVisionSupport reports a provider without image input.
var ErrNoVisionSupport = errors.New("llm: provider does not support image input")

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	baseRetryDelay    = 500 * time.Millisecond
	retryJitter       = 0.2
)

// Options tunes one analysis call. The zero value means defaults.
type Options struct {
	// Timeout caps each attempt. Defaults to 30s.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	// Zero means the default of 3; use -1 to disable retries.
	MaxRetries int
	// EntityTypes restricts extraction to the named types.
	EntityTypes []string
	// Language hints the input language to the model.
	Language string
	// Context is caller-supplied background included in the prompt.
	Context string
	// MaxTokens caps the completion length.
	MaxTokens int
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return defaultTimeout
	}
	return o.Timeout
}

func (o Options) retries() uint64 {
	switch {
	case o.MaxRetries < 0:
		return 0
	case o.MaxRetries == 0:
		return defaultMaxRetries
	default:
		return uint64(o.MaxRetries)
	}
}

// Analysis is the result of one model analysis call.
type Analysis struct {
	Template    string          `json:"template"`
	Data        json.RawMessage `json:"data"`
	Model       string          `json:"model,omitempty"`
	TotalTokens int             `json:"total_tokens,omitempty"`
}

// ExtractedEntity is one entity as reported by the model, before
// normalization.
type ExtractedEntity struct {
	Name        string             `json:"name"`
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Relevance   float64            `json:"relevance,omitempty"`
	Mentions    []ExtractedMention `json:"mentions,omitempty"`
}

// ExtractedMention is one occurrence of an entity in the input.
type ExtractedMention struct {
	Context   string  `json:"context,omitempty"`
	Position  int     `json:"position,omitempty"`
	Relevance float64 `json:"relevance"`
}

// Client runs analysis templates against a model provider with retry,
// timeout, and response-parsing policy applied uniformly.
type Client struct {
	provider Provider
	model    string
	needKey  bool
	log      *slog.Logger
}

// NewClient wraps an already-constructed provider. Used directly in tests;
// production code goes through NewClientFromConfig.
func NewClient(p Provider, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{provider: p, log: log}
}

// NewClientFromConfig builds the provider named by cfg and wraps it.
// A hosted provider without an API key still constructs; its calls fail
// immediately with ErrMissingCredentials.
func NewClientFromConfig(cfg Config, log *slog.Logger) (*Client, error) {
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	c := NewClient(p, log)
	c.model = cfg.Model
	c.needKey = requiresAPIKey(cfg.Provider) && cfg.APIKey == ""
	return c, nil
}

func (c *Client) checkReady() error {
	if c.provider == nil {
		return fault.Wrap(fault.Upstream, "no model provider configured", ErrMissingCredentials)
	}
	if c.needKey {
		return fault.Wrap(fault.Upstream, "provider requires an api key", ErrMissingCredentials)
	}
	return nil
}

// Analyze runs one template over the input text and returns the parsed JSON
// payload the model produced.
func (c *Client) Analyze(ctx context.Context, text, template string, opts Options) (*Analysis, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	if !KnownTemplate(template) {
		return nil, fault.Errorf(fault.Validation, "unknown analysis template %q", template)
	}
	system, user, err := buildPrompts(template, text, opts)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "building prompt", err)
	}

	req := ChatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0.0,
		MaxTokens:      opts.MaxTokens,
		ResponseFormat: "json_object",
	}
	resp, err := c.complete(ctx, opts, func(actx context.Context) (*ChatResponse, error) {
		return c.provider.Chat(actx, req)
	})
	if err != nil {
		return nil, err
	}
	return c.toAnalysis(template, resp)
}

// AnalyzeImage runs the image template over base64-encoded image bytes.
// The provider must implement VisionProvider.
func (c *Client) AnalyzeImage(ctx context.Context, imageB64, mimeType string, opts Options) (*Analysis, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	vision, ok := c.provider.(VisionProvider)
	if !ok {
		return nil, fault.Wrap(fault.Upstream, "image analysis unavailable", ErrNoVisionSupport)
	}
	system, user, err := buildPrompts(TemplateImage, "", opts)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "building prompt", err)
	}

	req := VisionChatRequest{
		Model: c.model,
		Messages: []VisionMessage{
			{Role: "system", Content: []ContentPart{{Type: "text", Text: system}}},
			{Role: "user", Content: []ContentPart{
				{Type: "text", Text: user},
				{Type: "image_url", ImageURL: &ImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", mimeType, imageB64),
				}},
			}},
		},
		Temperature: 0.0,
		MaxTokens:   opts.MaxTokens,
	}
	resp, err := c.complete(ctx, opts, func(actx context.Context) (*ChatResponse, error) {
		return vision.ChatWithImages(actx, req)
	})
	if err != nil {
		return nil, err
	}
	return c.toAnalysis(TemplateImage, resp)
}

// ExtractEntities picks the template matching the content type, runs it, and
// parses the entity list out of the reply.
func (c *Client) ExtractEntities(ctx context.Context, text, contentType string, opts Options) ([]ExtractedEntity, error) {
	template := TemplateForContentType(contentType, len(opts.EntityTypes) > 0)
	a, err := c.Analyze(ctx, text, template, opts)
	if err != nil {
		return nil, err
	}
	return ParseEntities(a.Data)
}

// ParseEntities decodes an entity payload. The model may reply with either
// {"entities": [...]} or a bare array; both are accepted.
func ParseEntities(data json.RawMessage) ([]ExtractedEntity, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var entities []ExtractedEntity
		if err := json.Unmarshal(data, &entities); err != nil {
			return nil, fault.Wrap(fault.Corruption, "decoding entity array", ErrMalformedResponse)
		}
		return entities, nil
	}
	var wrapped struct {
		Entities []ExtractedEntity `json:"entities"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fault.Wrap(fault.Corruption, "decoding entity object", ErrMalformedResponse)
	}
	return wrapped.Entities, nil
}

// complete runs one provider call under the retry policy: exponential
// backoff from 500ms with 20% jitter, capped at the per-attempt timeout,
// stopping after the configured retries or when ctx dies.
func (c *Client) complete(ctx context.Context, opts Options, call func(context.Context) (*ChatResponse, error)) (*ChatResponse, error) {
	timeout := opts.timeout()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseRetryDelay
	bo.RandomizationFactor = retryJitter
	bo.Multiplier = 2
	bo.MaxInterval = timeout
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() (*ChatResponse, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := call(actx)
		if err != nil {
			return nil, c.classifyCallError(ctx, err, attempt)
		}
		return resp, nil
	}

	resp, err := backoff.RetryWithData(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, opts.retries()), ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// classifyCallError decides whether an attempt failure is worth retrying.
// Transient faults retry; everything else is wrapped as permanent so backoff
// stops immediately.
func (c *Client) classifyCallError(ctx context.Context, err error, attempt int) error {
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if !apiErr.Retryable() {
			return backoff.Permanent(fault.Wrap(fault.Upstream, "provider rejected request", err))
		}
		if apiErr.RetryAfter > 0 {
			c.log.Warn("provider rate limited", "status", apiErr.Status,
				"retry_after", apiErr.RetryAfter, "attempt", attempt)
		} else {
			c.log.Warn("provider error, retrying", "status", apiErr.Status, "attempt", attempt)
		}
		return fault.Wrap(fault.Transient, "provider unavailable", err)
	}
	// Network failure or per-attempt timeout.
	c.log.Warn("provider request failed, retrying", "error", err, "attempt", attempt)
	return fault.Wrap(fault.Transient, "provider request failed", err)
}

func (c *Client) toAnalysis(template string, resp *ChatResponse) (*Analysis, error) {
	data, err := extractJSON(resp.Content)
	if err != nil {
		return nil, fault.Wrap(fault.Corruption, "parsing model reply", ErrMalformedResponse)
	}
	return &Analysis{
		Template:    template,
		Data:        json.RawMessage(data),
		Model:       resp.Model,
		TotalTokens: resp.TotalTokens,
	}, nil
}

// codeBlockRe strips markdown code fences from model output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON finds the JSON document in a model reply. It tolerates the
// common quirks: markdown code fences and prose before or after the JSON.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}

	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		if json.Valid([]byte(raw)) {
			return raw, nil
		}
	}

	// Prose around the payload: take the outermost object or array.
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(raw, pair[0])
		end := strings.LastIndex(raw, pair[1])
		if start >= 0 && end > start {
			candidate := raw[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("no JSON document found in response")
}
