// Package tui provides an interactive terminal chat with a parley
// conversation using the Bubble Tea framework.
package tui

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// Hooks lets the reply pipeline report progress while a send is pending.
// Both may be called from another goroutine.
type Hooks struct {
	// OnPreview receives an early draft.
	OnPreview func(draft string)
	// Typing shows the typing indicator until the returned stop is called.
	Typing func() (stop func())
}

// SendFunc delivers one user message and returns the reply chunks.
type SendFunc func(ctx context.Context, text string, hooks Hooks) ([]string, error)

type speaker int

const (
	speakerUser speaker = iota
	speakerAssistant
	speakerError
)

type line struct {
	who  speaker
	text string
}

// replyMsg carries the outcome of a send.
type replyMsg struct {
	chunks []string
	err    error
}

// previewMsg carries a draft that arrived while a reply was pending.
type previewMsg string

// chromeHeight is the number of rows used by everything but the transcript.
const chromeHeight = 6

// Model is the root Bubble Tea model for the chat TUI.
type Model struct {
	ctx          context.Context
	conversation string
	send         SendFunc
	reset        func()

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	lines    []line
	draft    string
	busy     bool
	typing   atomic.Bool
	previews chan string
	width    int
	height   int
}

// Option configures a Model.
type Option func(*Model)

// WithReset sets the function called when the user forgets the history.
func WithReset(fn func()) Option {
	return func(m *Model) { m.reset = fn }
}

// New creates a chat Model for one conversation.
func New(ctx context.Context, conversation string, send SendFunc, opts ...Option) *Model {
	ti := textinput.New()
	ti.Placeholder = "Say something"
	ti.Prompt = "> "
	ti.CharLimit = 4000
	ti.Focus()

	m := &Model{
		ctx:          ctx,
		conversation: conversation,
		send:         send,
		input:        ti,
		viewport:     viewport.New(80, 24-chromeHeight),
		spinner:      spinner.New(spinner.WithSpinner(spinner.Dot)),
		previews:     make(chan string, 4),
		width:        80,
		height:       24,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.refresh()
	return m
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, listenForPreview(m.previews))
}

// listenForPreview returns a tea.Cmd that blocks until a draft arrives.
func listenForPreview(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		return previewMsg(<-ch)
	}
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(1, msg.Height-chromeHeight)
		m.input.Width = max(10, msg.Width-4)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case replyMsg:
		m.busy = false
		m.typing.Store(false)
		m.draft = ""
		if msg.err != nil {
			m.lines = append(m.lines, line{who: speakerError, text: msg.err.Error()})
		} else {
			m.lines = append(m.lines, line{who: speakerAssistant, text: strings.Join(msg.chunks, "")})
		}
		m.refresh()
		return m, nil

	case previewMsg:
		if m.busy {
			m.draft = string(msg)
			m.refresh()
		}
		return m, listenForPreview(m.previews)

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case matchesBinding(msg, keys.Quit):
		return m, tea.Quit

	case matchesBinding(msg, keys.Send):
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.busy {
			return m, nil
		}
		m.input.Reset()
		m.lines = append(m.lines, line{who: speakerUser, text: text})
		m.busy = true
		m.refresh()
		return m, tea.Batch(m.sendCmd(text), m.spinner.Tick)

	case matchesBinding(msg, keys.Reset):
		if m.busy {
			return m, nil
		}
		if m.reset != nil {
			m.reset()
		}
		m.lines = nil
		m.refresh()
		return m, nil

	case matchesBinding(msg, keys.ScrollUp):
		m.viewport.HalfViewUp()
		return m, nil

	case matchesBinding(msg, keys.ScrollDown):
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// sendCmd runs the send off the UI goroutine. Drafts are forwarded without
// blocking; a full channel drops them. The typing flag is read on the next
// spinner tick.
func (m *Model) sendCmd(text string) tea.Cmd {
	return func() tea.Msg {
		chunks, err := m.send(m.ctx, text, Hooks{
			OnPreview: func(draft string) {
				select {
				case m.previews <- draft:
				default:
				}
			},
			Typing: func() func() {
				m.typing.Store(true)
				return func() { m.typing.Store(false) }
			},
		})
		return replyMsg{chunks: chunks, err: err}
	}
}

// refresh re-renders the transcript and scrolls to the newest line.
func (m *Model) refresh() {
	m.viewport.SetContent(renderTranscript(m.lines, m.width))
	m.viewport.GotoBottom()
}

// matchesBinding checks if a key message matches a key binding.
func matchesBinding(msg tea.KeyMsg, binding key.Binding) bool {
	for _, k := range binding.Keys() {
		if msg.String() == k {
			return true
		}
	}
	return false
}
