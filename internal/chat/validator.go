package chat

import (
	"fmt"
	"unicode/utf8"
)

// Limits bounds the content a channel accepts. Bytes are checked before
// runes so a multi-megabyte payload is rejected without counting its
// characters.
type Limits struct {
	MaxBytes int // max content size on the wire
	MaxRunes int // max character count
}

// DefaultLimits returns the standard content limits for a channel.
func DefaultLimits() Limits {
	return Limits{
		MaxBytes: 4096,
		MaxRunes: 2000,
	}
}

// Validate checks message content against the limits. It runs before
// append and before edit; rejected content never reaches the log or the
// broadcast path.
func (l Limits) Validate(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message content is empty")
	}
	if len(text) > l.MaxBytes {
		return fmt.Errorf("message exceeds %d byte limit", l.MaxBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > l.MaxRunes {
		return fmt.Errorf("message exceeds %d character limit", l.MaxRunes)
	}
	return nil
}
