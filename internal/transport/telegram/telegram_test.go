package telegram

import (
	"strings"
	"testing"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("오늘 수업 안내", 100)
	if len(got) != 1 || got[0] != "오늘 수업 안내" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("14:00 김철수\n")
	}
	chunks := splitTelegramText(b.String(), 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		if strings.Contains(c, "\n\n") {
			t.Fatalf("chunk %d has empty lines: %q", i, c)
		}
		// Each chunk should hold whole lines.
		for _, line := range strings.Split(c, "\n") {
			if line != "14:00 김철수" {
				t.Fatalf("chunk %d broke a line: %q", i, line)
			}
		}
	}
}

func TestSplitTelegramTextNoNewlines(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 250)
	chunks := splitTelegramText(s, 100)
	var total int
	for _, c := range chunks {
		if len(c) > 100 {
			t.Fatalf("chunk exceeds limit: %d", len(c))
		}
		total += len(c)
	}
	if total != 250 {
		t.Fatalf("lost content: total %d, want 250", total)
	}
}
