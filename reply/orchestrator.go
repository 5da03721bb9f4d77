// Package reply coordinates one user message into one delivered reply: it
// budgets the prompt, admits the request through the concurrency gate, races
// a cheap preview against the authoritative completion under a hard
// deadline, post-processes the text and delivers it in bounded chunks before
// recording the turn.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nox-hq/parley/assist"
	"github.com/nox-hq/parley/budget"
	"github.com/nox-hq/parley/engine"
	"github.com/nox-hq/parley/gate"
	"github.com/nox-hq/parley/history"
)

// Defaults for Config fields left at zero.
const (
	DefaultPromptBudget    = 3000
	DefaultPreviewTokens   = 1500
	DefaultFullTokens      = 3000
	DefaultHeavyTokens     = 6000
	DefaultPreviewDeadline = 20 * time.Second
	DefaultHardDeadline    = 90 * time.Second
	DefaultTimeoutText     = "Out of mana. Try again in a bit."
)

// State is a step of the reply pipeline.
type State int

const (
	StateAdmitted State = iota
	StateRacing
	StateFinalizing
	StateDelivered
)

func (s State) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateRacing:
		return "racing"
	case StateFinalizing:
		return "finalizing"
	case StateDelivered:
		return "delivered"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Completer is the part of the engine the orchestrator needs.
type Completer interface {
	Complete(ctx context.Context, req engine.Request) string
	Preview(ctx context.Context, model assist.ModelSpec, msgs []assist.Message, maxTokens int) (*assist.Outcome, error)
}

// Config holds orchestration limits.
type Config struct {
	Models        assist.Models
	PromptBudget  int
	PreviewTokens int
	FullTokens    int
	// HeavyTokens replaces FullTokens for heavy models and heavy tasks.
	HeavyTokens     int
	PreviewDeadline time.Duration
	// PerTryTimeout also bounds the preview call.
	PerTryTimeout time.Duration
	HardDeadline  time.Duration
	ChunkSize     int
	TimeoutText   string
	// EmptyText is delivered if post-processing leaves nothing.
	EmptyText string
}

func (c Config) withDefaults() Config {
	if c.PromptBudget <= 0 {
		c.PromptBudget = DefaultPromptBudget
	}
	if c.PreviewTokens <= 0 {
		c.PreviewTokens = DefaultPreviewTokens
	}
	if c.FullTokens <= 0 {
		c.FullTokens = DefaultFullTokens
	}
	if c.HeavyTokens <= 0 {
		c.HeavyTokens = DefaultHeavyTokens
	}
	if c.PreviewDeadline <= 0 {
		c.PreviewDeadline = DefaultPreviewDeadline
	}
	if c.PerTryTimeout <= 0 {
		c.PerTryTimeout = engine.DefaultPerTryTimeout
	}
	if c.HardDeadline <= 0 {
		c.HardDeadline = DefaultHardDeadline
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.TimeoutText == "" {
		c.TimeoutText = DefaultTimeoutText
	}
	if c.EmptyText == "" {
		c.EmptyText = engine.DefaultFallbackText
	}
	return c
}

// Request is one incoming user message.
type Request struct {
	ConversationID string
	// System overrides the orchestrator's system prompt when non-empty.
	System string
	User   assist.Content
	Sink   Sink
	// Typing defaults to NopTyping.
	Typing Typing
	// OnPreview, if set, receives the preview text when it arrives before
	// its deadline. It may be called after Reply has returned.
	OnPreview func(text string)
}

// Result describes what was delivered.
type Result struct {
	Text      string
	Chunks    []string
	Handles   []Handle
	State     State
	TimedOut  bool
	Shortcut  bool
	FullModel string
}

// Orchestrator runs reply pipelines. It is safe for concurrent use.
type Orchestrator struct {
	engine      Completer
	store       *history.Store
	gate        *gate.Gate
	cfg         Config
	logger      *slog.Logger
	estimator   budget.Estimator
	postprocess func(string) string
	system      func() string
	shortcuts   []Shortcut
	sent        *SentLog
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPostProcess sets a pure text transform applied before delivery. A
// panic or empty result leaves the text untouched.
func WithPostProcess(fn func(string) string) Option {
	return func(o *Orchestrator) { o.postprocess = fn }
}

// WithSystemPrompt sets the source of the default system prompt. It is
// called once per request, so a hot-reloaded persona takes effect on the
// next message.
func WithSystemPrompt(fn func() string) Option {
	return func(o *Orchestrator) { o.system = fn }
}

// WithShortcuts enables canned replies for trivial inputs.
func WithShortcuts(s []Shortcut) Option {
	return func(o *Orchestrator) { o.shortcuts = s }
}

// WithEstimator replaces the token estimator used for budgeting.
func WithEstimator(est budget.Estimator) Option {
	return func(o *Orchestrator) { o.estimator = est }
}

// WithSentLog sets the log of delivered chunks.
func WithSentLog(l *SentLog) Option {
	return func(o *Orchestrator) { o.sent = l }
}

// New creates an Orchestrator.
func New(c Completer, store *history.Store, g *gate.Gate, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:    c,
		store:     store,
		gate:      g,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		estimator: budget.Default(),
		sent:      NewSentLog(0),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sent returns the log of delivered chunks.
func (o *Orchestrator) Sent() *SentLog { return o.sent }

// History returns the conversation store.
func (o *Orchestrator) History() *history.Store { return o.store }

// Gate returns the concurrency gate.
func (o *Orchestrator) Gate() *gate.Gate { return o.gate }

// Reply runs the pipeline for one user message and delivers the reply to
// req.Sink. Upstream failures never surface as errors: the caller always
// gets some text. Errors are returned only when admission is abandoned
// because ctx ended or when the sink fails.
func (o *Orchestrator) Reply(ctx context.Context, req Request) (*Result, error) {
	if req.ConversationID == "" {
		return nil, errors.New("reply: conversation id is required")
	}
	if req.Sink == nil {
		return nil, errors.New("reply: sink is required")
	}
	typing := req.Typing
	if typing == nil {
		typing = NopTyping{}
	}
	log := o.logger.With("conversation", req.ConversationID)

	slot, err := o.gate.Acquire(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("reply: %w", err)
	}
	defer slot.Release()

	res := &Result{State: StateAdmitted}

	system := req.System
	if system == "" && o.system != nil {
		system = o.system()
	}
	msgs := o.store.BuildMessages(system, req.ConversationID, req.User)
	o.store.AppendUser(req.ConversationID, req.User.Text(), req.User.ImageCount())

	var text string
	if canned, ok := MatchShortcut(o.shortcuts, req.User.Text()); ok && req.User.ImageCount() == 0 {
		res.Shortcut = true
		text = canned
		log.Debug("shortcut reply")
	} else {
		msgs = budget.Fit(msgs, o.cfg.PromptBudget, o.estimator)
		preview, full := o.cfg.Models.Select(msgs)
		res.FullModel = full.ID

		res.State = StateRacing
		stop := typing.Start(ctx)
		text, res.TimedOut, err = o.race(ctx, log, req, msgs, preview, full)
		stop()
		if err != nil {
			return res, fmt.Errorf("reply: %w", err)
		}
	}

	res.State = StateFinalizing
	text = o.finalize(log, text)

	res.Text = text
	res.Chunks = Split(text, o.cfg.ChunkSize)
	for _, chunk := range res.Chunks {
		h, err := req.Sink.Send(ctx, chunk)
		if err != nil {
			if n := len(res.Handles); n > 0 {
				o.store.AppendAssistant(req.ConversationID, strings.Join(res.Chunks[:n], ""))
			}
			return res, fmt.Errorf("reply: delivering chunk %d/%d: %w", len(res.Handles)+1, len(res.Chunks), err)
		}
		res.Handles = append(res.Handles, h)
		o.sent.Add(h, req.ConversationID, chunk, time.Now())
	}
	res.State = StateDelivered

	o.store.AppendAssistant(req.ConversationID, text)
	log.Info("reply delivered", "chunks", len(res.Chunks), "timed_out", res.TimedOut, "shortcut", res.Shortcut)
	return res, nil
}

// race starts the preview and full completions as detached tasks and waits
// for the full one up to the hard deadline. Detached tasks keep running
// after a timeout; their results are logged and dropped.
func (o *Orchestrator) race(ctx context.Context, log *slog.Logger, req Request, msgs []assist.Message, preview, full assist.ModelSpec) (string, bool, error) {
	detached := context.WithoutCancel(ctx)

	go o.runPreview(detached, log, req.OnPreview, msgs, preview)

	maxTokens := o.cfg.FullTokens
	if full.Heavy || IsHeavyTask(req.User.Text()) {
		maxTokens = o.cfg.HeavyTokens
	}

	fullDone := make(chan string, 1)
	go func() {
		fullDone <- o.engine.Complete(detached, engine.Request{
			Model:     full,
			Fallback:  preview,
			Messages:  msgs,
			MaxTokens: maxTokens,
		})
	}()

	timer := time.NewTimer(o.cfg.HardDeadline)
	defer timer.Stop()

	select {
	case text := <-fullDone:
		return text, false, nil
	case <-timer.C:
		log.Warn("full completion exceeded hard deadline", "deadline", o.cfg.HardDeadline)
		go discardLate(log, fullDone)
		return o.cfg.TimeoutText, true, nil
	case <-ctx.Done():
		go discardLate(log, fullDone)
		return "", false, ctx.Err()
	}
}

func (o *Orchestrator) runPreview(ctx context.Context, log *slog.Logger, onPreview func(string), msgs []assist.Message, model assist.ModelSpec) {
	ctx, cancel := context.WithTimeout(ctx, min(o.cfg.PerTryTimeout, o.cfg.PreviewDeadline))
	defer cancel()

	out, err := o.engine.Preview(ctx, model, msgs, o.cfg.PreviewTokens)
	if err != nil {
		log.Debug("preview discarded", "model", model.ID, "error", err)
		return
	}
	if out.Text == "" || onPreview == nil {
		return
	}
	onPreview(out.Text)
}

func discardLate(log *slog.Logger, ch <-chan string) {
	text := <-ch
	log.Debug("discarding late full completion", "length", len(text))
}

// finalize trims and post-processes text. It never fails.
func (o *Orchestrator) finalize(log *slog.Logger, text string) string {
	text = strings.TrimSpace(text)
	if o.postprocess != nil && text != "" {
		text = safeTransform(log, o.postprocess, text)
	}
	if text == "" {
		text = o.cfg.EmptyText
	}
	return text
}

func safeTransform(log *slog.Logger, fn func(string) string, text string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("post-process panicked; using original text", "panic", r)
			out = text
		}
	}()
	if got := strings.TrimSpace(fn(text)); got != "" {
		return got
	}
	return text
}
