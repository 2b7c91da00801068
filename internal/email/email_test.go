package email

import (
	"strings"
	"testing"
)

func TestSnippet(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		isHTML bool
		want   string
	}{
		{"plain collapsed", "Hi Ada,\n\n  the build is   green.\n", false, "Hi Ada, the build is green."},
		{"html text", "<p>Hello <b>there</b></p><p>Second</p>", true, "Hello there Second"},
		{"html drops script", "<head><title>x</title></head><script>alert(1)</script><div>Body</div>", true, "Body"},
		{"empty", "", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Snippet(tt.body, tt.isHTML); got != tt.want {
				t.Errorf("Snippet = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSnippetTruncates(t *testing.T) {
	got := Snippet(strings.Repeat("abc ", 100), false)
	if !strings.HasSuffix(got, "…") {
		t.Errorf("not truncated: %q", got)
	}
	if n := len([]rune(got)); n > snippetRunes+1 {
		t.Errorf("snippet has %d runes", n)
	}
}
