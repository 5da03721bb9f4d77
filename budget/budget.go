// Package budget trims a message sequence so its estimated prompt size fits
// a token ceiling.
package budget

import (
	"unicode/utf8"

	"github.com/nox-hq/parley/assist"
)

const (
	// perMessageOverhead approximates the role and framing tokens each
	// message costs on top of its text.
	perMessageOverhead = 4

	// maxHead is the number of leading system messages kept verbatim.
	maxHead = 2

	// minTrimLength is the floor below which the last message is no longer
	// shortened.
	minTrimLength = 200

	// keepNumerator/keepDenominator is the share of the last message kept
	// per trimming step.
	keepNumerator   = 4
	keepDenominator = 5
)

// Estimator approximates the token cost of a text. Implementations must be
// monotonic in text length.
type Estimator interface {
	Tokens(text string) int
}

// CharEstimator estimates one token per four characters, minimum one.
type CharEstimator struct{}

// Tokens implements Estimator.
func (CharEstimator) Tokens(text string) int {
	n := utf8.RuneCountInString(text)
	t := (n + 3) / 4
	if t < 1 {
		return 1
	}
	return t
}

// Estimate returns the estimated prompt size of msgs.
func Estimate(msgs []assist.Message, est Estimator) int {
	if est == nil {
		est = CharEstimator{}
	}
	total := 0
	for _, m := range msgs {
		total += est.Tokens(m.Content.Text()) + perMessageOverhead
	}
	return total
}

// Fit returns a copy of msgs whose estimate is at most ceiling whenever that
// is reachable without deleting system messages or shrinking the last
// message below 200 characters.
//
// The first two system messages form the head and are kept verbatim. Other
// messages are deleted oldest first, skipping system messages and never
// deleting the final message. If that is not enough, the final message is
// cut to its trailing 80% while it is at least 200 characters long, unless
// it belongs to the head. The input slice is not modified.
func Fit(msgs []assist.Message, ceiling int, est Estimator) []assist.Message {
	if est == nil {
		est = CharEstimator{}
	}
	out := make([]assist.Message, len(msgs))
	copy(out, msgs)
	if len(out) == 0 || Estimate(out, est) <= ceiling {
		return out
	}

	var head, body []assist.Message
	for _, m := range out {
		if m.Role == assist.RoleSystem && len(head) < maxHead {
			head = append(head, m)
		} else {
			body = append(body, m)
		}
	}
	fitted := append(head, body...)

	i := len(head)
	for Estimate(fitted, est) > ceiling && i < len(fitted)-1 {
		if fitted[i].Role == assist.RoleSystem {
			i++
			continue
		}
		fitted = append(fitted[:i], fitted[i+1:]...)
	}

	for len(fitted) > len(head) && Estimate(fitted, est) > ceiling {
		last := &fitted[len(fitted)-1]
		text := last.Content.Text()
		n := utf8.RuneCountInString(text)
		if n < minTrimLength {
			break
		}
		keep := n * keepNumerator / keepDenominator
		last.Content = last.Content.WithText(tail(text, keep))
	}
	return fitted
}

// tail returns the last n runes of s.
func tail(s string, n int) string {
	skip := utf8.RuneCountInString(s) - n
	if skip <= 0 {
		return s
	}
	for i := range s {
		if skip == 0 {
			return s[i:]
		}
		skip--
	}
	return ""
}
