package telegram

import (
	"strings"
	"testing"
)

func TestSplitMessageRespectsLimit(t *testing.T) {
	var builder strings.Builder
	builder.WriteString(strings.Repeat("a", 3000))
	builder.WriteString("\n\n")
	builder.WriteString(strings.Repeat("b", 2000))
	builder.WriteString("\n")
	builder.WriteString(strings.Repeat("c", 500))

	parts := SplitMessage(builder.String(), defaultMessageLimit)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}

	for i, part := range parts {
		if length := len([]rune(part)); length > defaultMessageLimit {
			t.Fatalf("part %d exceeds limit: %d", i, length)
		}
	}

	if parts[0] != strings.Repeat("a", 3000) {
		t.Fatalf("unexpected content in first part")
	}

	if parts[1][0] != 'b' {
		t.Fatalf("unexpected prefix for second part: %q", parts[1][0])
	}

	if !strings.HasSuffix(parts[1], strings.Repeat("c", 500)) {
		t.Fatalf("second part should contain trailing block of 'c'")
	}
}

func TestSplitMessagePrefersSpaces(t *testing.T) {
	text := strings.Repeat("word ", 30)
	parts := SplitMessage(text, 40)
	for i, part := range parts {
		if length := len([]rune(part)); length > 40 {
			t.Fatalf("part %d exceeds limit: %d", i, length)
		}
		if strings.Contains(part, "wo rd") {
			t.Fatalf("part %d split inside a word: %q", i, part)
		}
	}
	joined := strings.Join(parts, " ")
	if joined != strings.TrimSpace(text) {
		t.Fatalf("content lost after split: %q", joined)
	}
}

func TestSplitMessageHardCut(t *testing.T) {
	text := strings.Repeat("x", 100)
	parts := SplitMessage(text, 40)
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	if strings.Join(parts, "") != text {
		t.Fatalf("content lost after hard cut")
	}
}

func TestSplitMessageShortText(t *testing.T) {
	text := "hello world"
	parts := SplitMessage(text, defaultMessageLimit)
	if len(parts) != 1 {
		t.Fatalf("expected single part, got %d", len(parts))
	}
	if parts[0] != text {
		t.Fatalf("unexpected text: %q", parts[0])
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	parts := SplitMessage("   \n  ", defaultMessageLimit)
	if len(parts) != 0 {
		t.Fatalf("expected no parts for empty input, got %d", len(parts))
	}
}
