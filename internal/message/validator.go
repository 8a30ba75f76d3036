package message

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxBodyBytes = 4096 // max encoded size of a message body
	MaxBodyChars = 2000 // max character count
)

// Body validation errors.
var (
	ErrBodyTooLong = errors.New("body too long")
	ErrInvalidUTF8 = errors.New("body contains invalid UTF-8")
)

// ValidateBody checks that a message body meets content requirements.
func ValidateBody(body string) error {
	if len(body) == 0 {
		return ErrEmptyMessage
	}
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrBodyTooLong, MaxBodyBytes)
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrBodyTooLong, MaxBodyChars)
	}
	if !utf8.ValidString(body) {
		return ErrInvalidUTF8
	}
	return nil
}
