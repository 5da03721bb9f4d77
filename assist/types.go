// Package assist defines the message model shared by every parley component
// and the Provider abstraction over remote chat-completion services.
//
// Message content is a tagged union decided once at construction: either
// plain text or an ordered list of parts (text and image references).
// Downstream code asks the Content for what it needs instead of inspecting
// its shape.
package assist

import (
	"fmt"
	"strings"
)

// Role identifies the sender of a message in the chat conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartKind distinguishes the members of a multimodal message.
type PartKind int

const (
	PartText PartKind = iota
	PartImage
)

// Part is one element of multimodal content. For PartImage, Value is an
// image URL (http(s) or data URI).
type Part struct {
	Kind  PartKind
	Value string
}

// TextPart returns a text part.
func TextPart(s string) Part { return Part{Kind: PartText, Value: s} }

// ImagePart returns an image reference part.
func ImagePart(url string) Part { return Part{Kind: PartImage, Value: url} }

// Content is message content: plain text or multimodal parts. The zero value
// is empty plain text.
type Content struct {
	text  string
	parts []Part
	multi bool
}

// Text constructs plain-text content.
func Text(s string) Content { return Content{text: s} }

// Parts constructs multimodal content. The slice is copied.
func Parts(parts ...Part) Content {
	cp := make([]Part, len(parts))
	copy(cp, parts)
	return Content{parts: cp, multi: true}
}

// UserContent builds the content of an incoming user message: plain text
// when there are no images, otherwise a text part (if any) followed by one
// image part per URL.
func UserContent(text string, imageURLs ...string) Content {
	if len(imageURLs) == 0 {
		return Text(text)
	}
	parts := make([]Part, 0, len(imageURLs)+1)
	if text != "" {
		parts = append(parts, TextPart(text))
	}
	for _, u := range imageURLs {
		parts = append(parts, ImagePart(u))
	}
	return Parts(parts...)
}

// IsMultimodal reports whether the content was built from parts.
func (c Content) IsMultimodal() bool { return c.multi }

// Parts returns a copy of the multimodal parts, or nil for plain text.
func (c Content) Parts() []Part {
	if !c.multi {
		return nil
	}
	cp := make([]Part, len(c.parts))
	copy(cp, c.parts)
	return cp
}

// Text returns the textual content. For multimodal content the text parts are
// joined with newlines and images are omitted.
func (c Content) Text() string {
	if !c.multi {
		return c.text
	}
	var texts []string
	for _, p := range c.parts {
		if p.Kind == PartText {
			texts = append(texts, p.Value)
		}
	}
	return strings.Join(texts, "\n")
}

// ImageURLs returns the image references in order.
func (c Content) ImageURLs() []string {
	var urls []string
	for _, p := range c.parts {
		if p.Kind == PartImage {
			urls = append(urls, p.Value)
		}
	}
	return urls
}

// ImageCount returns the number of image parts.
func (c Content) ImageCount() int {
	n := 0
	for _, p := range c.parts {
		if p.Kind == PartImage {
			n++
		}
	}
	return n
}

// WithText returns content of the same shape whose text is replaced by s.
// Multimodal content keeps its images; its text parts collapse into a single
// leading text part.
func (c Content) WithText(s string) Content {
	if !c.multi {
		return Text(s)
	}
	parts := make([]Part, 0, len(c.parts)+1)
	if s != "" {
		parts = append(parts, TextPart(s))
	}
	for _, p := range c.parts {
		if p.Kind == PartImage {
			parts = append(parts, p)
		}
	}
	return Content{parts: parts, multi: true}
}

// String implements fmt.Stringer.
func (c Content) String() string {
	if n := c.ImageCount(); n > 0 {
		return fmt.Sprintf("%s [image×%d]", c.Text(), n)
	}
	return c.Text()
}

// Message is a single entry in the chat conversation sent to the LLM.
type Message struct {
	Role    Role
	Content Content
}

// SystemMessage returns a system message with plain text content.
func SystemMessage(s string) Message { return Message{Role: RoleSystem, Content: Text(s)} }

// UserMessage returns a user message with the given content.
func UserMessage(c Content) Message { return Message{Role: RoleUser, Content: c} }

// AssistantMessage returns an assistant message with plain text content.
func AssistantMessage(s string) Message { return Message{Role: RoleAssistant, Content: Text(s)} }

// HasImage reports whether any message carries an image part.
func HasImage(msgs []Message) bool {
	for _, m := range msgs {
		if m.Content.ImageCount() > 0 {
			return true
		}
	}
	return false
}
