package channels

import (
	"errors"
	"strings"
	"testing"
)

func TestSplitText(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{"short passes through", "hello", 10, []string{"hello"}},
		{"exact limit passes through", "12345", 5, []string{"12345"}},
		{"hard split without newline", "aaaaabbbbb", 5, []string{"aaaaa", "bbbbb"}},
		{"prefers newline break", "aaaaa\nbbbcc", 8, []string{"aaaaa", "bbbcc"}},
		{"ignores early newline", "a\nbbbbbbcc", 8, []string{"a\nbbbbbb", "cc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitText(tt.in, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("chunks = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitTextKeepsRunesIntact(t *testing.T) {
	in := strings.Repeat("é", 30) // 2 bytes per rune
	for _, chunk := range SplitText(in, 7) {
		if len(chunk)%2 != 0 {
			t.Fatalf("chunk %q splits a rune", chunk)
		}
		for _, r := range chunk {
			if r != 'é' {
				t.Fatalf("chunk %q carries mangled rune %q", chunk, r)
			}
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{401, ErrAuth},
		{403, ErrAuth},
		{400, ErrRecipient},
		{404, ErrRecipient},
		{429, ErrTransport},
		{500, ErrTransport},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); !errors.Is(got, tt.want) {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestProviderErrorFormats(t *testing.T) {
	withCode := &ProviderError{Channel: "whatsapp", Status: 400, Code: 131026, Message: "not on whatsapp", Class: ErrRecipient}
	if got := withCode.Error(); got != "whatsapp: status 400 code 131026: not on whatsapp" {
		t.Errorf("Error() = %q", got)
	}
	statusOnly := &ProviderError{Channel: "discord", Status: 500, Message: "upstream down", Class: ErrTransport}
	if got := statusOnly.Error(); got != "discord: status 500: upstream down" {
		t.Errorf("Error() = %q", got)
	}
	bare := &ProviderError{Channel: "telegram", Message: "connection refused", Class: ErrTransport}
	if got := bare.Error(); got != "telegram: connection refused" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(withCode, ErrRecipient) {
		t.Error("ProviderError does not unwrap to its class")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello world", 5); got != "hello..." {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("hi", 5); got != "hi" {
		t.Errorf("Truncate = %q", got)
	}
}
