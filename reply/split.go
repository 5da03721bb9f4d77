package reply

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkSize is the largest chunk delivered in one message: the usual
// 2000-character chat limit minus a safety margin.
const DefaultChunkSize = 1900

// Split cuts text into chunks of at most size runes, in order. A chunk ends
// after the last newline in its window when that newline falls in the second
// half of the window; otherwise it is cut at exactly size runes. Joining the
// chunks yields text. Empty text yields a single empty chunk.
func Split(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if utf8.RuneCountInString(text) <= size {
		return []string{text}
	}

	var chunks []string
	for text != "" {
		end := byteOffset(text, size)
		if end == len(text) {
			chunks = append(chunks, text)
			break
		}
		if nl := strings.LastIndexByte(text[:end], '\n'); nl >= 0 && utf8.RuneCountInString(text[:nl]) >= size/2 {
			end = nl + 1
		}
		chunks = append(chunks, text[:end])
		text = text[end:]
	}
	return chunks
}

// byteOffset returns the byte index just past the first n runes of s, or
// len(s) if s is shorter.
func byteOffset(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}
