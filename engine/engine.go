// Package engine turns one completion request into text. It retries
// transient upstream failures with backoff, recovers from truncated output
// by raising the output ceiling, escalates to a cheap model with a terse
// instruction when everything else fails, and finally falls back to a fixed
// string. Complete never returns an error.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/nox-hq/parley/assist"
)

// Defaults for Config fields left at zero.
const (
	DefaultRetries          = 2
	DefaultPerTryTimeout    = 40 * time.Second
	DefaultBackoffBase      = time.Second
	DefaultBackoffCap       = 8 * time.Second
	DefaultTruncationCap    = 12000
	DefaultEscalationTokens = 64
	DefaultFallbackText     = "……I couldn't find the words this time."
	DefaultEscalationPrompt = "Reply to the last message in one short sentence, 20 characters or fewer."
)

// Config holds the retry, recovery and escalation policy.
type Config struct {
	// Retries is the total number of normal attempts, first one included.
	Retries       int
	PerTryTimeout time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	// TruncationCap bounds the raised output ceiling used for truncation
	// recovery. The recovery ceiling never drops below the first attempt's.
	TruncationCap    int
	EscalationTokens int
	EscalationPrompt string
	FallbackText     string
	Sampling         assist.Sampling
}

func (c Config) withDefaults() Config {
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.PerTryTimeout <= 0 {
		c.PerTryTimeout = DefaultPerTryTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.TruncationCap <= 0 {
		c.TruncationCap = DefaultTruncationCap
	}
	if c.EscalationTokens <= 0 {
		c.EscalationTokens = DefaultEscalationTokens
	}
	if c.EscalationPrompt == "" {
		c.EscalationPrompt = DefaultEscalationPrompt
	}
	if c.FallbackText == "" {
		c.FallbackText = DefaultFallbackText
	}
	return c
}

// Request is one reply to produce.
type Request struct {
	Model assist.ModelSpec
	// Fallback is the cheaper model used for escalation. Zero means Model.
	Fallback  assist.ModelSpec
	Messages  []assist.Message
	MaxTokens int
}

// Stats counts engine activity since creation.
type Stats struct {
	Requests    int64 `json:"requests"`
	Attempts    int64 `json:"attempts"`
	Previews    int64 `json:"previews"`
	Retries     int64 `json:"retries"`
	Recoveries  int64 `json:"truncation_recoveries"`
	Escalations int64 `json:"escalations"`
	Fallbacks   int64 `json:"fallbacks"`
}

// Engine performs completions against a Provider. It is safe for concurrent
// use.
type Engine struct {
	provider assist.Provider
	cfg      Config
	logger   *slog.Logger
	jitter   func() float64

	requests    atomic.Int64
	attempts    atomic.Int64
	previews    atomic.Int64
	retries     atomic.Int64
	recoveries  atomic.Int64
	escalations atomic.Int64
	fallbacks   atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithJitter replaces the jitter source, which must return values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(e *Engine) { e.jitter = fn }
}

// New creates an Engine.
func New(provider assist.Provider, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		jitter:   rand.Float64,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Stats returns a snapshot of the activity counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Requests:    e.requests.Load(),
		Attempts:    e.attempts.Load(),
		Previews:    e.previews.Load(),
		Retries:     e.retries.Load(),
		Recoveries:  e.recoveries.Load(),
		Escalations: e.escalations.Load(),
		Fallbacks:   e.fallbacks.Load(),
	}
}

// Complete returns the best text it can get for req. It always returns some
// text: the genuine reply, a degraded escalation reply, or FallbackText.
func (e *Engine) Complete(ctx context.Context, req Request) string {
	e.requests.Add(1)
	log := e.logger.With("model", req.Model.ID)

	var (
		text    string
		attempt int
		lastErr error
	)
	err := retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		if attempt > 0 {
			e.retries.Add(1)
		}
		attempt++

		var err error
		text, err = e.try(ctx, req)
		if err == nil {
			return nil
		}
		lastErr = err
		if !assist.IsRetryable(err) {
			log.Warn("non-retryable completion failure", "attempt", attempt, "error", err)
			return err
		}
		log.Warn("completion attempt failed", "attempt", attempt, "of", e.cfg.Retries, "error", err)
		return retry.RetryableError(err)
	})
	if err == nil {
		return text
	}
	if lastErr == nil {
		lastErr = err
	}

	if text := e.escalate(ctx, req); text != "" {
		return text
	}

	e.fallbacks.Add(1)
	log.Error("completion and escalation produced no text; using fallback", "last_error", lastErr)
	return e.cfg.FallbackText
}

// try runs one normal attempt, with truncation recovery when the output
// ceiling was hit before any text was produced.
func (e *Engine) try(ctx context.Context, req Request) (string, error) {
	out, err := e.attempt(ctx, req.Model, req.Messages, req.MaxTokens, true)
	if err != nil {
		return "", err
	}
	if out.Text != "" {
		return out.Text, nil
	}
	if out.Truncated() {
		if text := e.recoverTruncation(ctx, req); text != "" {
			return text, nil
		}
		return "", fmt.Errorf("truncated at %d tokens: %w", req.MaxTokens, assist.ErrEmptyContent)
	}
	return "", fmt.Errorf("finish_reason=%s: %w", out.FinishReason, assist.ErrEmptyContent)
}

// Preview performs one cheap draft call. It is counted apart from the
// normal attempts.
func (e *Engine) Preview(ctx context.Context, model assist.ModelSpec, msgs []assist.Message, maxTokens int) (*assist.Outcome, error) {
	e.previews.Add(1)
	return e.call(ctx, model, msgs, maxTokens, true)
}

func (e *Engine) attempt(ctx context.Context, model assist.ModelSpec, msgs []assist.Message, maxTokens int, forceText bool) (*assist.Outcome, error) {
	e.attempts.Add(1)
	return e.call(ctx, model, msgs, maxTokens, forceText)
}

// call performs a single upstream call bounded by PerTryTimeout. An empty
// result is returned as-is; callers decide what it means.
func (e *Engine) call(ctx context.Context, model assist.ModelSpec, msgs []assist.Message, maxTokens int, forceText bool) (*assist.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PerTryTimeout)
	defer cancel()

	out, err := e.provider.Invoke(ctx, assist.Request{
		Model:     model,
		Messages:  msgs,
		MaxTokens: maxTokens,
		ForceText: forceText,
		Sampling:  e.cfg.Sampling,
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return &assist.Outcome{FinishReason: assist.FinishNone}, nil
	}
	return out, nil
}

// recoverTruncation retries once without the text format hint, at double
// the output ceiling bounded by TruncationCap but never below the ceiling
// that was just hit.
func (e *Engine) recoverTruncation(ctx context.Context, req Request) string {
	e.recoveries.Add(1)
	tokens := max(req.MaxTokens, min(req.MaxTokens*2, e.cfg.TruncationCap))
	if tokens <= 0 {
		tokens = e.cfg.TruncationCap
	}
	e.logger.Warn("output truncated; retrying with a larger ceiling",
		"model", req.Model.ID, "from", req.MaxTokens, "to", tokens)

	out, err := e.attempt(ctx, req.Model, req.Messages, tokens, false)
	if err != nil {
		e.logger.Warn("truncation recovery failed", "model", req.Model.ID, "error", err)
		return ""
	}
	return out.Text
}

// escalate makes one degraded call on the fallback model with an appended
// instruction to answer very briefly.
func (e *Engine) escalate(ctx context.Context, req Request) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ""
	}
	e.escalations.Add(1)
	model := req.Fallback
	if model.ID == "" {
		model = req.Model
	}

	msgs := make([]assist.Message, 0, len(req.Messages)+1)
	msgs = append(msgs, req.Messages...)
	msgs = append(msgs, assist.SystemMessage(e.cfg.EscalationPrompt))

	out, err := e.attempt(context.WithoutCancel(ctx), model, msgs, e.cfg.EscalationTokens, true)
	if err != nil {
		e.logger.Error("escalation failed", "model", model.ID, "error", err)
		return ""
	}
	return out.Text
}

// backoff returns the schedule between normal attempts:
// min(base·2^n, cap) plus up to half a base unit of jitter, stopping after
// Retries-1 waits.
func (e *Engine) backoff() retry.Backoff {
	b := retry.NewExponential(e.cfg.BackoffBase)
	b = retry.WithCappedDuration(e.cfg.BackoffCap, b)
	b = e.withJitter(b)
	return retry.WithMaxRetries(uint64(e.cfg.Retries-1), b)
}

func (e *Engine) withJitter(next retry.Backoff) retry.Backoff {
	half := 0.5 * float64(e.cfg.BackoffBase)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := next.Next()
		if stop {
			return 0, true
		}
		return d + time.Duration(e.jitter()*half), false
	})
}
