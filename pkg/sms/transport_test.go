package sms

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkShortTextPassesThrough(t *testing.T) {
	assert.Equal(t, []string{"status: all good"}, Chunk("status: all good", 1500))
	assert.Equal(t, []string{""}, Chunk("", 1500))
	assert.Equal(t, []string{"hi\n"}, Chunk("hi\n", 1500), "no split means no trimming")
}

func TestChunkSplitsOnWordBoundaries(t *testing.T) {
	text := strings.Repeat("alpha beta ", 20)

	parts := Chunk(text, 100)

	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.LessOrEqual(t, len([]rune(p)), 100)
		assert.Equal(t, strings.TrimSpace(p), p, "parts carry no boundary whitespace")
	}
	assert.Equal(t, strings.Fields(text), strings.Fields(strings.Join(parts, " ")), "no words lost")
}

func TestChunkPrefersLineBreaks(t *testing.T) {
	parts := Chunk("first line\nsecond line\nthird line", 25)

	assert.Equal(t, []string{"first line\nsecond line", "third line"}, parts)
}

func TestChunkDropsOnlyBoundaryWhitespace(t *testing.T) {
	parts := Chunk("aaaa bbbb", 5)

	assert.Equal(t, []string{"aaaa", "bbbb"}, parts)
}

func TestChunkHardCutsUnbrokenRuns(t *testing.T) {
	parts := Chunk(strings.Repeat("x", 250), 100)

	assert.Equal(t, []string{
		strings.Repeat("x", 100),
		strings.Repeat("x", 100),
		strings.Repeat("x", 50),
	}, parts)
}

func TestChunkNeverSplitsARune(t *testing.T) {
	parts := Chunk(strings.Repeat("é", 10), 4)

	assert.Equal(t, []string{"éééé", "éééé", "éé"}, parts)
}
