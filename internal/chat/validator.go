package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ErrEmptyMessage is returned for input that is empty after trimming.
var ErrEmptyMessage = errors.New("chat: message is empty")

// NormalizeOutbound trims the visitor's input and checks it against the
// content limits. Empty input yields ErrEmptyMessage, which callers treat as
// a silent no-op rather than a failure.
func NormalizeOutbound(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("chat: message contains invalid UTF-8")
	}
	if len(text) > MaxMessageBytes {
		return "", fmt.Errorf("chat: message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", fmt.Errorf("chat: message exceeds %d character limit", MaxTextChars)
	}
	return text, nil
}
