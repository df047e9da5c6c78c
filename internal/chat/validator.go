package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MinBodyChars = 1
	MaxBodyChars = 1000
)

// ValidateBody checks that a message body meets content requirements.
func ValidateBody(body string) error {
	if !utf8.ValidString(body) {
		return fmt.Errorf("%w: body contains invalid UTF-8", ErrInvalidContent)
	}
	n := utf8.RuneCountInString(body)
	if n < MinBodyChars {
		return fmt.Errorf("%w: body is empty", ErrInvalidContent)
	}
	if n > MaxBodyChars {
		return fmt.Errorf("%w: body exceeds %d character limit (%d)", ErrInvalidContent, MaxBodyChars, n)
	}
	return nil
}
