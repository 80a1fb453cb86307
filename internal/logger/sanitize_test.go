package logger

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizeString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		maxLength int
		expected  string
	}{
		{name: "empty", input: "", maxLength: 10, expected: ""},
		{name: "plain", input: "hello", maxLength: 10, expected: "hello"},
		{name: "control characters removed", input: "a\x00b\x1bc", maxLength: 10, expected: "abc"},
		{name: "newlines removed", input: "line1\nline2\r", maxLength: 20, expected: "line1line2"},
		{name: "truncated", input: "abcdefghij", maxLength: 4, expected: "abcd..."},
		{name: "invalid utf8 dropped", input: "ok\xff", maxLength: 10, expected: "ok"},
		{name: "multibyte not split", input: "ééé", maxLength: 3, expected: "é..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := SanitizeString(tt.input, tt.maxLength); got != tt.expected {
				t.Errorf("SanitizeString(%q, %d) = %q, want %q", tt.input, tt.maxLength, got, tt.expected)
			}
		})
	}
}

func TestSanitizeError(t *testing.T) {
	t.Parallel()

	if got := SanitizeError(nil); got != "" {
		t.Errorf("SanitizeError(nil) = %q, want empty", got)
	}
	long := errors.New(strings.Repeat("x", MaxErrorMessageLength+10))
	if got := SanitizeError(long); len(got) != MaxErrorMessageLength+3 {
		t.Errorf("Expected truncated error of length %d, got %d", MaxErrorMessageLength+3, len(got))
	}
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	if got := SanitizeFilename("/home/user/photos/mole.jpg"); got != "mole.jpg" {
		t.Errorf("SanitizeFilename = %q, want mole.jpg", got)
	}
	if got := SanitizeFilename("../../etc/passwd"); got != "passwd" {
		t.Errorf("SanitizeFilename = %q, want passwd", got)
	}
}

func TestMaskEmail(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"ayse@example.com": "a***@example.com",
		"no-at-sign":       "***",
		"@example.com":     "***",
	}
	for in, want := range tests {
		if got := MaskEmail(in); got != want {
			t.Errorf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRedactToken(t *testing.T) {
	t.Parallel()

	if got := RedactToken(""); got != "" {
		t.Errorf("RedactToken(\"\") = %q, want empty", got)
	}
	if got := RedactToken("short"); got != "***" {
		t.Errorf("RedactToken(short) = %q, want ***", got)
	}
	if got := RedactToken("eyJhbGciOiJIUzI1NiJ9.payload.sig1234"); got != "***1234" {
		t.Errorf("RedactToken = %q, want ***1234", got)
	}
}
