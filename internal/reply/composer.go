// Package reply turns OCR outcomes into the message sent back to the chat.
package reply

import (
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"

	"ocrbot/internal/domain"
)

const (
	DefaultMaxLen = 4096

	NoTextMessage     = "No text detected in that image."
	UnreadableMessage = "Sorry, I couldn't read that image. Please send a clear photo or an image file (PNG, JPEG, WebP)."
	RetryMessage      = "Something went wrong on my side. Please try again in a moment."

	TruncationMarker = "…[truncated]"
)

// Reply is a composed outbound message plus how it was classified.
type Reply struct {
	domain.OutboundMessage
	Kind      domain.ReplyKind
	Truncated bool
}

// Composer applies the reply policy for one platform message limit.
type Composer struct {
	maxLen int
}

func NewComposer(maxLen int) *Composer {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Composer{maxLen: maxLen}
}

// Compose maps an OCR result or a pipeline error to the outbound message.
// A non-nil err takes precedence over res.
func (c *Composer) Compose(conversationID string, res *domain.OCRResult, err error) Reply {
	r := Reply{OutboundMessage: domain.OutboundMessage{ConversationID: conversationID}}

	switch {
	case domain.IsUserError(err):
		r.Kind, r.Body = domain.ReplyUnreadable, UnreadableMessage
	case err != nil || res == nil:
		r.Kind, r.Body = domain.ReplyRetry, RetryMessage
	default:
		text := Sanitize(res.Text)
		if text == "" {
			r.Kind, r.Body = domain.ReplyNoText, NoTextMessage
			break
		}
		r.Kind = domain.ReplyText
		r.Body, r.Truncated = Truncate(text, c.maxLen)
	}
	return r
}

// Sanitize drops invalid UTF-8 and control characters other than newline
// and tab, then trims surrounding whitespace.
func Sanitize(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return '\n'
		case unicode.IsControl(r), r == utf8.RuneError:
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// Length counts s in UTF-16 code units, the unit the Bot API message limit
// is measured in. Characters outside the BMP count twice.
func Length(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// Truncate cuts s to at most maxLen UTF-16 code units, ending with
// TruncationMarker when anything was removed. Characters are never split.
func Truncate(s string, maxLen int) (string, bool) {
	if Length(s) <= maxLen {
		return s, false
	}
	budget := maxLen - Length(TruncationMarker)
	if budget <= 0 {
		return prefix(s, maxLen), true
	}
	head := strings.TrimRightFunc(prefix(s, budget), unicode.IsSpace)
	return head + TruncationMarker, true
}

// prefix returns the longest prefix of s that fits in n UTF-16 code units.
func prefix(s string, n int) string {
	used := 0
	for i, r := range s {
		w := utf16.RuneLen(r)
		if used+w > n {
			return s[:i]
		}
		used += w
	}
	return s
}
