package extract

import "testing"

func TestPreprocess(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"crlf", "a\r\nb\rc", "a\nb\nc"},
		{"nfc", "cafe\u0301", "caf\u00e9"},
		{"bom and nul", "\ufeffhe\x00llo", "hello"},
		{"trailing spaces", "line one   \nline two\t\n\n", "line one\nline two"},
		{"paragraph separator", "one\u2029two", "one\n\ntwo"},
		{"invalid utf8", "a\xffb", "a\ufffdb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preprocess(tt.in); got != tt.want {
				t.Errorf("Preprocess(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
