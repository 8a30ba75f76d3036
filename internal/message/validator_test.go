package message

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"valid short message", "hello", nil},
		{"valid unicode", "héllo wörld 👋", nil},
		{"empty", "", ErrEmptyMessage},
		{"too many bytes", strings.Repeat("x", MaxBodyBytes+1), ErrBodyTooLong},
		{"too many characters", strings.Repeat("é", MaxBodyChars+1), ErrBodyTooLong},
		{"invalid utf-8", "abc\xff\xfe", ErrInvalidUTF8},
		{"exactly max chars", strings.Repeat("a", MaxBodyChars), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBody(tt.body)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("expected valid, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
