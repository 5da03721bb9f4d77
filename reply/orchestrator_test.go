package reply

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nox-hq/parley/assist"
	"github.com/nox-hq/parley/engine"
	"github.com/nox-hq/parley/gate"
	"github.com/nox-hq/parley/history"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var testModels = assist.Models{
	Preview: assist.ModelSpec{ID: "fast"},
	Full:    assist.ModelSpec{ID: "full"},
	Vision:  assist.ModelSpec{ID: "eyes", SupportsVision: true},
}

// memorySink collects chunks in delivery order.
type memorySink struct {
	mu     sync.Mutex
	chunks []string
	failAt int
}

func (s *memorySink) Send(_ context.Context, chunk string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.chunks)+1 == s.failAt {
		return Handle{}, errors.New("transport closed")
	}
	s.chunks = append(s.chunks, chunk)
	return Handle{ID: fmt.Sprintf("m%d", len(s.chunks))}, nil
}

func (s *memorySink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.chunks...)
}

// recordingProvider answers every call via fn and records model IDs.
type recordingProvider struct {
	mu     sync.Mutex
	models []string
	reqs   []assist.Request
	fn     func(ctx context.Context, req assist.Request) (*assist.Outcome, error)
}

func (p *recordingProvider) Invoke(ctx context.Context, req assist.Request) (*assist.Outcome, error) {
	p.mu.Lock()
	p.models = append(p.models, req.Model.ID)
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	return p.fn(ctx, req)
}

func (p *recordingProvider) seenModels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.models...)
}

func answer(text string) func(context.Context, assist.Request) (*assist.Outcome, error) {
	return func(context.Context, assist.Request) (*assist.Outcome, error) {
		return &assist.Outcome{Text: text, FinishReason: assist.FinishStop}, nil
	}
}

func newOrchestrator(p assist.Provider, cfg Config, opts ...Option) *Orchestrator {
	eng := engine.New(p, engine.Config{
		Retries:       2,
		BackoffBase:   time.Millisecond,
		BackoffCap:    2 * time.Millisecond,
		PerTryTimeout: 2 * time.Second,
		FallbackText:  "fallback",
	}, engine.WithLogger(quiet))
	if cfg.Models.Full.ID == "" {
		cfg.Models = testModels
	}
	opts = append([]Option{WithLogger(quiet)}, opts...)
	return New(eng, history.NewStore(6), gate.New(3), cfg, opts...)
}

func TestReply_ScenarioA(t *testing.T) {
	p := &recordingProvider{fn: answer("hello")}
	o := newOrchestrator(p, Config{PromptBudget: 3000})
	sink := &memorySink{}

	res, err := o.Reply(context.Background(), Request{
		ConversationID: "c1",
		User:           assist.Text("hi"),
		Sink:           sink,
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	if got := sink.got(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("chunks = %q, want [hello]", got)
	}
	if res.State != StateDelivered || res.TimedOut {
		t.Errorf("result = %+v", res)
	}

	turns := o.History().Read("c1")
	want := []history.Turn{
		{Role: assist.RoleUser, Content: "hi"},
		{Role: assist.RoleAssistant, Content: "hello"},
	}
	if len(turns) != len(want) {
		t.Fatalf("history = %+v, want %+v", turns, want)
	}
	for i := range want {
		if turns[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, turns[i], want[i])
		}
	}
	if o.Gate().InFlight() != 0 {
		t.Error("gate slot not released")
	}
}

func TestReply_ScenarioB_HardDeadline(t *testing.T) {
	p := &recordingProvider{fn: func(ctx context.Context, req assist.Request) (*assist.Outcome, error) {
		if req.Model.ID == "full" {
			time.Sleep(300 * time.Millisecond)
		}
		return &assist.Outcome{Text: "late", FinishReason: assist.FinishStop}, nil
	}}
	o := newOrchestrator(p, Config{HardDeadline: 50 * time.Millisecond, TimeoutText: "timed out"})
	sink := &memorySink{}

	start := time.Now()
	res, err := o.Reply(context.Background(), Request{ConversationID: "c1", User: assist.Text("hi"), Sink: sink})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Reply waited %v past the hard deadline", elapsed)
	}

	if got := sink.got(); len(got) != 1 || got[0] != "timed out" {
		t.Fatalf("chunks = %q, want the timeout apology", got)
	}
	if !res.TimedOut {
		t.Error("result should be marked timed out")
	}

	slot, ok := o.Gate().TryAcquire("c1")
	if !ok {
		t.Fatal("concurrency slot not released after timeout")
	}
	slot.Release()

	turns := o.History().Read("c1")
	if len(turns) != 2 || turns[1].Content != "timed out" {
		t.Errorf("history = %+v, want the apology recorded as the assistant turn", turns)
	}
}

func TestReply_ScenarioC_VisionRouting(t *testing.T) {
	p := &recordingProvider{fn: answer("a cat")}
	o := newOrchestrator(p, Config{})
	sink := &memorySink{}

	previewed := make(chan string, 1)
	_, err := o.Reply(context.Background(), Request{
		ConversationID: "c1",
		User:           assist.UserContent("what is this", "https://example.com/cat.png"),
		Sink:           sink,
		OnPreview:      func(text string) { previewed <- text },
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	select {
	case <-previewed:
	case <-time.After(time.Second):
		t.Fatal("preview never completed")
	}

	models := p.seenModels()
	if len(models) != 2 {
		t.Fatalf("calls = %v, want preview and full", models)
	}
	for _, m := range models {
		if m != "eyes" {
			t.Errorf("model %q used for an image request, want eyes", m)
		}
	}

	turns := o.History().Read("c1")
	if turns[0].Content != "what is this [image×1]" {
		t.Errorf("user turn = %q", turns[0].Content)
	}
}

func TestReply_TextRoutingAndCeilings(t *testing.T) {
	p := &recordingProvider{fn: answer("ok")}
	o := newOrchestrator(p, Config{PreviewTokens: 100, FullTokens: 300, HeavyTokens: 900})

	previewed := make(chan string, 1)
	_, err := o.Reply(context.Background(), Request{
		ConversationID: "c1",
		User:           assist.Text("please implement a parser"),
		Sink:           &memorySink{},
		OnPreview:      func(text string) { previewed <- text },
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	<-previewed

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.reqs {
		switch r.Model.ID {
		case "fast":
			if r.MaxTokens != 100 {
				t.Errorf("preview ceiling = %d, want 100", r.MaxTokens)
			}
		case "full":
			if r.MaxTokens != 900 {
				t.Errorf("heavy task ceiling = %d, want 900", r.MaxTokens)
			}
		default:
			t.Errorf("unexpected model %q", r.Model.ID)
		}
	}
}

func TestReply_HistoryFeedsNextTurn(t *testing.T) {
	p := &recordingProvider{fn: answer("reply")}
	o := newOrchestrator(p, Config{}, WithSystemPrompt(func() string { return "persona" }))

	for _, text := range []string{"first", "second"} {
		if _, err := o.Reply(context.Background(), Request{ConversationID: "c", User: assist.Text(text), Sink: &memorySink{}}); err != nil {
			t.Fatalf("Reply: %v", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var last assist.Request
	for _, r := range p.reqs {
		if r.Model.ID == "full" {
			last = r
		}
	}
	var roles []string
	for _, m := range last.Messages {
		roles = append(roles, string(m.Role)+":"+m.Content.Text())
	}
	want := "system:persona,user:first,assistant:reply,user:second"
	if got := strings.Join(roles, ","); got != want {
		t.Errorf("second request messages = %s, want %s", got, want)
	}
}

func TestReply_Chunking(t *testing.T) {
	long := strings.Repeat("x", 45)
	p := &recordingProvider{fn: answer(long)}
	o := newOrchestrator(p, Config{ChunkSize: 20})
	sink := &memorySink{}

	res, err := o.Reply(context.Background(), Request{ConversationID: "c", User: assist.Text("go"), Sink: sink})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	got := sink.got()
	if len(got) != 3 || strings.Join(got, "") != long {
		t.Fatalf("chunks = %q", got)
	}
	for _, h := range res.Handles {
		if rec, ok := o.Sent().Lookup(h.ID); !ok || rec.ConversationID != "c" {
			t.Errorf("handle %s not recorded in sent log", h.ID)
		}
	}
}

func TestReply_PostProcess(t *testing.T) {
	p := &recordingProvider{fn: answer("hello")}

	o := newOrchestrator(p, Config{}, WithPostProcess(strings.ToUpper))
	sink := &memorySink{}
	o.Reply(context.Background(), Request{ConversationID: "c", User: assist.Text("x"), Sink: sink})
	if got := sink.got(); got[0] != "HELLO" {
		t.Errorf("post-processed chunk = %q", got[0])
	}

	o = newOrchestrator(p, Config{}, WithPostProcess(func(string) string { panic("bad transform") }))
	sink = &memorySink{}
	if _, err := o.Reply(context.Background(), Request{ConversationID: "c", User: assist.Text("x"), Sink: sink}); err != nil {
		t.Fatalf("panicking post-process should be swallowed, got %v", err)
	}
	if got := sink.got(); got[0] != "hello" {
		t.Errorf("chunk after panicking post-process = %q, want original", got[0])
	}

	o = newOrchestrator(p, Config{}, WithPostProcess(func(string) string { return "" }))
	sink = &memorySink{}
	o.Reply(context.Background(), Request{ConversationID: "c", User: assist.Text("x"), Sink: sink})
	if got := sink.got(); got[0] != "hello" {
		t.Errorf("empty post-process result should keep original, got %q", got[0])
	}
}

func TestReply_Shortcut(t *testing.T) {
	p := &recordingProvider{fn: answer("model reply")}
	o := newOrchestrator(p, Config{}, WithShortcuts(DefaultShortcuts()))
	sink := &memorySink{}

	res, err := o.Reply(context.Background(), Request{ConversationID: "c", User: assist.Text("thanks!"), Sink: sink})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if !res.Shortcut || sink.got()[0] != "You're welcome." {
		t.Errorf("result = %+v, chunks = %q", res, sink.got())
	}
	if len(p.seenModels()) != 0 {
		t.Error("shortcut should not call the upstream")
	}
	if n := o.History().Len("c"); n != 2 {
		t.Errorf("history has %d turns, want 2", n)
	}
}

func TestReply_TypingIndicatorScoped(t *testing.T) {
	p := &recordingProvider{fn: answer("hi")}
	o := newOrchestrator(p, Config{})

	var events []string
	var mu sync.Mutex
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	sink := SinkFunc(func(context.Context, string) (Handle, error) {
		record("send")
		return Handle{}, nil
	})
	typing := TypingFunc(func(context.Context) func() {
		record("start")
		return func() { record("stop") }
	})

	if _, err := o.Reply(context.Background(), Request{ConversationID: "c", User: assist.Text("x"), Sink: sink, Typing: typing}); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got := strings.Join(events, ","); got != "start,stop,send" {
		t.Errorf("events = %s, want start,stop,send", got)
	}
}

func TestReply_SinkError(t *testing.T) {
	p := &recordingProvider{fn: answer(strings.Repeat("y", 30))}
	o := newOrchestrator(p, Config{ChunkSize: 10})
	sink := &memorySink{failAt: 2}

	_, err := o.Reply(context.Background(), Request{ConversationID: "c", User: assist.Text("x"), Sink: sink})
	if err == nil {
		t.Fatal("expected sink error")
	}
	if o.Gate().InFlight() != 0 {
		t.Error("gate slot leaked after sink failure")
	}
	turns := o.History().Read("c")
	if len(turns) != 2 || turns[1].Content != strings.Repeat("y", 10) {
		t.Errorf("history = %+v, want only the delivered chunk recorded", turns)
	}
}

func TestReply_Validation(t *testing.T) {
	o := newOrchestrator(&recordingProvider{fn: answer("x")}, Config{})
	if _, err := o.Reply(context.Background(), Request{Sink: &memorySink{}}); err == nil {
		t.Error("missing conversation id should fail")
	}
	if _, err := o.Reply(context.Background(), Request{ConversationID: "c"}); err == nil {
		t.Error("missing sink should fail")
	}
}

func TestReply_CancelledBeforeAdmission(t *testing.T) {
	o := newOrchestrator(&recordingProvider{fn: answer("x")}, Config{})
	holder, _ := o.Gate().Acquire(context.Background(), "c")
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := o.Reply(ctx, Request{ConversationID: "c", User: assist.Text("x"), Sink: &memorySink{}}); err == nil {
		t.Fatal("expected admission error")
	}
	if o.History().Len("c") != 0 {
		t.Error("unadmitted request must not touch history")
	}
}

// intervalCompleter records when each full completion enters and leaves.
type intervalCompleter struct {
	mu        sync.Mutex
	intervals map[string][][2]time.Time
}

func (c *intervalCompleter) Complete(_ context.Context, req engine.Request) string {
	enter := time.Now()
	time.Sleep(15 * time.Millisecond)
	exit := time.Now()

	key := req.Messages[len(req.Messages)-1].Content.Text()
	c.mu.Lock()
	c.intervals[key[:2]] = append(c.intervals[key[:2]], [2]time.Time{enter, exit})
	c.mu.Unlock()
	return "done"
}

func (c *intervalCompleter) Preview(context.Context, assist.ModelSpec, []assist.Message, int) (*assist.Outcome, error) {
	return &assist.Outcome{}, nil
}

func TestReply_SerializedPerConversation(t *testing.T) {
	c := &intervalCompleter{intervals: make(map[string][][2]time.Time)}
	o := New(c, history.NewStore(50), gate.New(4), Config{Models: testModels}, WithLogger(quiet))

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 12; i++ {
		conv := fmt.Sprintf("c%d", i%2)
		g.Go(func() error {
			_, err := o.Reply(ctx, Request{
				ConversationID: conv,
				User:           assist.Text(fmt.Sprintf("%s message %d", conv, i)),
				Sink:           &memorySink{},
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	for conv, spans := range c.intervals {
		if len(spans) != 6 {
			t.Errorf("%s: %d completions, want 6", conv, len(spans))
		}
		for i := range spans {
			for j := i + 1; j < len(spans); j++ {
				a, b := spans[i], spans[j]
				if a[0].Before(b[1]) && b[0].Before(a[1]) {
					t.Fatalf("%s: completions %d and %d overlap", conv, i, j)
				}
			}
		}
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateAdmitted:   "admitted",
		StateRacing:     "racing",
		StateFinalizing: "finalizing",
		StateDelivered:  "delivered",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
