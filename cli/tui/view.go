package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Width(m.width).Render(
		titleStyle.Render("parley") + subtleStyle.Render(fmt.Sprintf("  conversation %s", m.conversation)),
	))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(helpLine()))
	return b.String()
}

// statusLine shows the typing indicator while the pipeline holds it, and
// the latest draft while a reply is pending.
func (m *Model) statusLine() string {
	if !m.busy {
		return ""
	}
	status := m.spinner.View()
	if m.typing.Load() {
		status += subtleStyle.Render(" typing")
	}
	if m.draft != "" {
		avail := max(10, m.width-12)
		status += "  " + draftStyle.Render(firstLine(m.draft, avail))
	}
	return status
}

// renderTranscript lays out every line wrapped to width.
func renderTranscript(lines []line, width int) string {
	if len(lines) == 0 {
		return subtleStyle.Render("No messages yet.")
	}
	wrap := lipgloss.NewStyle().Width(max(10, width-2))

	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		var label string
		switch l.who {
		case speakerUser:
			label = userLabelStyle.Render("you")
		case speakerAssistant:
			label = assistantLabelStyle.Render("parley")
		default:
			label = errorStyle.Render("error")
		}
		body := l.text
		if l.who == speakerError {
			body = errorStyle.Render(body)
		}
		parts = append(parts, label+"\n"+wrap.Render(body))
	}
	return strings.Join(parts, "\n\n")
}

// firstLine returns the first line of s cut to n runes.
func firstLine(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
