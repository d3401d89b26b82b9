package engine

import (
	"strings"
	"testing"
	"unicode/utf8"

	"streambridge/pkg/store"
)

func TestChunkHistoryKeepsTurnsWhole(t *testing.T) {
	turns := []store.Turn{
		{Role: store.RoleUser, Text: "hi"},
		{Role: store.RoleAssistant, Text: "hello there"},
		{Role: store.RoleUser, Text: "again"},
	}

	chunks := chunkHistory(turns, 30)
	want := []string{"You:\nhi\n\nBot:\nhello there", "You:\nagain"}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %q, want %q", chunks, want)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestChunkHistorySplitsOversizedTurn(t *testing.T) {
	turns := []store.Turn{{Role: store.RoleAssistant, Text: strings.Repeat("é", 25)}}

	chunks := chunkHistory(turns, 10)
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want at least 3", len(chunks))
	}

	var joined strings.Builder
	for i, chunk := range chunks {
		if n := utf8.RuneCountInString(chunk); n > 10 {
			t.Fatalf("chunk %d has %d runes, limit 10", i, n)
		}
		if !utf8.ValidString(chunk) {
			t.Fatalf("chunk %d is not valid UTF-8", i)
		}
		joined.WriteString(chunk)
	}
	if got := joined.String(); got != "Bot:\n"+strings.Repeat("é", 25) {
		t.Fatalf("joined chunks = %q", got)
	}
}

func TestChunkHistoryEmpty(t *testing.T) {
	if chunks := chunkHistory(nil, chunkRunes); len(chunks) != 0 {
		t.Fatalf("chunks = %q, want none", chunks)
	}
}
