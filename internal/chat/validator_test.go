package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateBody(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		valid bool
	}{
		{"single char", "a", true},
		{"max chars", strings.Repeat("a", MaxBodyChars), true},
		{"max multibyte chars", strings.Repeat("ü", MaxBodyChars), true},
		{"empty", "", false},
		{"over limit", strings.Repeat("a", MaxBodyChars+1), false},
		{"invalid utf8", "ok\xc3\x28", false},
	}

	for _, tt := range tests {
		err := ValidateBody(tt.body)
		if tt.valid && err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
		}
		if !tt.valid && !errors.Is(err, ErrInvalidContent) {
			t.Errorf("%s: expected ErrInvalidContent, got %v", tt.name, err)
		}
	}
}
