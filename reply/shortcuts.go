package reply

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// shortcutMaxLen is the longest input eligible for a canned reply.
const shortcutMaxLen = 16

// Shortcut maps a trivial input to a canned reply.
type Shortcut struct {
	Pattern *regexp.Regexp
	Reply   string
}

// DefaultShortcuts answers thanks, laughter and greetings without a model
// call.
func DefaultShortcuts() []Shortcut {
	return []Shortcut{
		{regexp.MustCompile(`(?i)^(thanks?( you)?|thx|ty)[!！]*$`), "You're welcome."},
		{regexp.MustCompile(`(?i)^(lol+|w+|草)$`), "lol"},
		{regexp.MustCompile(`(?i)^(good ?morning|morning|gm|おはよう?)[!！]*$`), "Morning."},
		{regexp.MustCompile(`(?i)^(good ?night|gn|おやすみ)[!！]*$`), "Good night."},
	}
}

// MatchShortcut returns the canned reply for text, if any. Questions and
// inputs longer than 16 characters never match.
func MatchShortcut(shortcuts []Shortcut, text string) (string, bool) {
	t := strings.TrimSpace(text)
	if t == "" || utf8.RuneCountInString(t) > shortcutMaxLen {
		return "", false
	}
	if strings.ContainsAny(t, "?？") {
		return "", false
	}
	for _, s := range shortcuts {
		if s.Pattern.MatchString(t) {
			return s.Reply, true
		}
	}
	return "", false
}

var heavyTask = regexp.MustCompile(`(?i)(long[- ]form|in detail|detailed|source code|\bcode\b|full text|readme|implement|stack ?trace|traceback|error log|\blogs?\b|長文|詳細|コード|全文|実装|エラー解析|ログ)`)

// IsHeavyTask reports whether text asks for long or technical output that
// deserves a larger output ceiling.
func IsHeavyTask(text string) bool {
	return heavyTask.MatchString(text)
}
