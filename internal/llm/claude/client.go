// Package claude implements the triage extractor on the Anthropic Messages
// API. The model is forced to answer through a single tool call so the
// verdict arrives as structured JSON.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/triage"
)

const (
	defaultMaxTokens = 1024
	defaultMaxChars  = 12000
)

// Evaluator implements triage.Extractor for the Claude API.
type Evaluator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	maxChars  int
}

// Option configures an Evaluator.
type Option func(*options)

type options struct {
	baseURL    string
	httpClient *http.Client
	maxTokens  int64
	maxChars   int
}

// WithBaseURL points the client at another endpoint (tests, proxies).
func WithBaseURL(u string) Option { return func(o *options) { o.baseURL = u } }

// WithHTTPClient replaces the HTTP client, e.g. one wrapped with otelhttp.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithMaxTokens caps the response size.
func WithMaxTokens(n int64) Option { return func(o *options) { o.maxTokens = n } }

// WithMaxChars truncates article text before it is sent.
func WithMaxChars(n int) Option { return func(o *options) { o.maxChars = n } }

// New creates an Evaluator with the given API key and model name. Retries
// are left to the caller's retry middleware so attempts are counted once.
func New(apiKey, model string, opts ...Option) *Evaluator {
	o := options{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		maxTokens:  defaultMaxTokens,
		maxChars:   defaultMaxChars,
	}
	for _, fn := range opts {
		fn(&o)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(o.httpClient),
		option.WithMaxRetries(0),
	}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}

	return &Evaluator{
		client:    anthropic.NewClient(reqOpts...),
		model:     model,
		maxTokens: o.maxTokens,
		maxChars:  o.maxChars,
	}
}

// Evaluate asks the model for a relevancy verdict on c. Transport errors,
// rate limits and 5xx responses come back wrapped in article.ErrUpstream;
// a malformed verdict is an error too and is never defaulted.
func (e *Evaluator) Evaluate(ctx context.Context, c triage.Content) (*triage.Evaluation, error) {
	msg, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: e.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(c, e.maxChars))),
		},
		Tools:      []anthropic.ToolUnionParam{evaluationTool()},
		ToolChoice: anthropic.ToolChoiceParamOfTool(evaluationToolName),
	})
	if err != nil {
		return nil, classify(err)
	}

	ev, err := fromSDKResponse(msg)
	if err != nil {
		return nil, err
	}
	if ev.Model == "" {
		ev.Model = e.model
	}
	return ev, nil
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: claude api %d: %w", article.ErrUpstream, apiErr.StatusCode, err)
		default:
			return fmt.Errorf("claude api %d: %w", apiErr.StatusCode, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: claude: %w", article.ErrUpstream, err)
}
