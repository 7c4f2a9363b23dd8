// Package invoker wraps a completion model with retries, a fallback model
// tier and cost accounting.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/deep-research/pkg/apierr"
	"github.com/mikeboe/deep-research/pkg/cost"
)

// Tier names a class of model. Requests may name a tier instead of a model id.
type Tier string

const (
	TierFast      Tier = "fast"
	TierSmart     Tier = "smart"
	TierStrategic Tier = "strategic"
)

const (
	DefaultRetryBudget = 3
	DefaultBaseDelay   = time.Second
	DefaultTimeout     = 60 * time.Second

	// NoTimeout disables the per-call timeout for callers that bound calls
	// themselves.
	NoTimeout time.Duration = -1
)

// ErrEmptyResponse is returned by an attempt that produced no usable text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Params are the sampling parameters of one request.
type Params struct {
	Temperature *float64
	MaxTokens   int
	JSONMode    bool
}

// Temperature returns a pointer to t for use in Params.
func Temperature(t float64) *float64 {
	return &t
}

// relaxed drops the parameters providers most often reject.
func (p Params) relaxed() Params {
	return Params{JSONMode: p.JSONMode}
}

func (p Params) options(model string) []llms.CallOption {
	opts := []llms.CallOption{llms.WithModel(model)}
	if p.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*p.Temperature))
	}
	if p.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(p.MaxTokens))
	}
	if p.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}
	return opts
}

// Request is a single completion request.
type Request struct {
	Messages []llms.MessageContent
	// Model is a model id or a Tier name.
	Model  string
	Params Params
	// RetryBudget overrides the configured budget when positive.
	RetryBudget int
}

// Result is the outcome of Invoke. A Degraded result carries no content and
// must not be used as model output.
type Result struct {
	Text      string  `json:"text"`
	Cost      float64 `json:"cost"`
	Degraded  bool    `json:"degraded"`
	Model     string  `json:"model"`
	Provider  string  `json:"provider"`
	Attempts  int     `json:"attempts"`
	LastError string  `json:"last_error,omitempty"`
}

// Sentinel renders a diagnostic for a degraded result.
func (r Result) Sentinel() string {
	if !r.Degraded {
		return ""
	}
	return fmt.Sprintf("[model unavailable: provider=%s model=%s attempts=%d error=%s]",
		r.Provider, r.Model, r.Attempts, r.LastError)
}

// Config configures an Invoker.
type Config struct {
	// Provider names the backend for diagnostics.
	Provider string
	// Models maps tiers to model ids.
	Models      map[Tier]string
	RetryBudget int
	// BaseDelay is the linear backoff unit. Zero retries immediately.
	BaseDelay time.Duration
	// Timeout bounds every model call. Zero selects DefaultTimeout.
	Timeout time.Duration
	Rates   cost.Rates
	OnCost    cost.Callback
	Logger    *slog.Logger
}

// Invoker calls a langchaingo model. The model id is selected per request
// with llms.WithModel, so one client serves every tier.
type Invoker struct {
	llm    llms.Model
	cfg    Config
	logger *slog.Logger
}

// New creates an Invoker.
func New(llm llms.Model, cfg Config) *Invoker {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Models == nil {
		cfg.Models = map[Tier]string{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Invoker{llm: llm, cfg: cfg, logger: cfg.Logger}
}

// WithCostCallback returns a copy of the Invoker that charges cb instead of
// the configured callback. Used to give each research task its own ledger.
func (i *Invoker) WithCostCallback(cb cost.Callback) *Invoker {
	cp := *i
	cp.cfg.OnCost = cb
	return &cp
}

// ModelFor resolves a tier name or model id.
func (i *Invoker) ModelFor(model string) string {
	if id, ok := i.cfg.Models[Tier(model)]; ok && id != "" {
		return id
	}
	return model
}

// Invoke sends messages to model with default parameters.
func (i *Invoker) Invoke(ctx context.Context, messages []llms.MessageContent, model string, retryBudget int) Result {
	return i.Do(ctx, Request{Messages: messages, Model: model, RetryBudget: retryBudget})
}

// Do runs req through the retry policy. It never returns an error: when
// every attempt fails the Result is Degraded.
func (i *Invoker) Do(ctx context.Context, req Request) Result {
	model := i.ModelFor(req.Model)
	fallback := i.cfg.Models[TierSmart]
	params := req.Params
	budget := req.RetryBudget
	if budget <= 0 {
		budget = i.cfg.RetryBudget
	}

	input := messageText(req.Messages)
	relaxed := false
	attempts := 0
	var lastErr error

	for attempts < budget {
		attempts++
		text, err := i.attempt(ctx, req.Messages, model, params)
		if err == nil && strings.TrimSpace(text) == "" {
			err = ErrEmptyResponse
		}
		if err == nil {
			charge := i.cfg.Rates.EstimateLLM(input, text)
			if i.cfg.OnCost != nil {
				i.cfg.OnCost(charge)
			}
			return Result{Text: text, Cost: charge, Model: model, Provider: i.cfg.Provider, Attempts: attempts}
		}
		lastErr = err

		if isUnsupportedParam(err) {
			if !relaxed {
				relaxed = true
				params = params.relaxed()
				attempts--
				i.logger.Warn("model rejected parameters, retrying without limits", "model", model, "error", err)
				continue
			}
			if fallback != "" && model != fallback {
				i.logger.Warn("falling back to smart model", "from", model, "to", fallback, "error", err)
				model = fallback
				continue
			}
		}
		if apierr.Classify(err) == apierr.ErrAuth {
			i.logger.Error("model call failed permanently", "model", model, "error", err)
			break
		}
		if ctx.Err() != nil || attempts >= budget {
			break
		}

		delay := apierr.Backoff(attempts, i.cfg.BaseDelay, err)
		i.logger.Warn("Retrying LLM generation", "model", model, "attempt", attempts+1, "delay", delay, "last_error", err)
		if apierr.Sleep(ctx, delay) != nil {
			break
		}
	}

	res := Result{Degraded: true, Model: model, Provider: i.cfg.Provider, Attempts: attempts}
	if lastErr != nil {
		res.LastError = lastErr.Error()
	}
	i.logger.Warn("model invocation degraded", "model", model, "attempts", attempts, "error", res.LastError)
	return res
}

func (i *Invoker) attempt(ctx context.Context, messages []llms.MessageContent, model string, params Params) (string, error) {
	if i.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.Timeout)
		defer cancel()
	}

	resp, err := i.llm.GenerateContent(ctx, messages, params.options(model)...)
	if err != nil {
		return "", fmt.Errorf("llm generation failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return "", fmt.Errorf("llm returned no choices: %w", apierr.ErrMalformed)
	}
	return resp.Choices[0].Content, nil
}

var unsupportedMarkers = []string{
	"unsupported parameter", "unsupported value", "not supported with this model",
	"max_tokens", "max_completion_tokens", "maxoutputtokens", "temperature",
}

func isUnsupportedParam(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range unsupportedMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func messageText(messages []llms.MessageContent) string {
	var sb strings.Builder
	for _, m := range messages {
		for _, part := range m.Parts {
			if tc, ok := part.(llms.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
	}
	return sb.String()
}
