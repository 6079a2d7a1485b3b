package ui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameCodeBlocks(t *testing.T) {
	in := "intro\n┃ x := 1\n┃ y := 2\noutro"
	out := frameCodeBlocks(in, 30)
	lines := strings.Split(out, "\n")

	assert.Equal(t, "intro", lines[0])
	assert.Contains(t, lines[2], "[code]")
	assert.Equal(t, "x := 1", lines[4])
	assert.Equal(t, "y := 2", lines[5])
	assert.Contains(t, lines[7], "━")
	assert.Equal(t, "outro", lines[len(lines)-1])
	assert.NotContains(t, out, "┃")
}

func TestFrameCodeBlockAtEnd(t *testing.T) {
	out := frameCodeBlocks("┃ echo hi", 20)
	assert.True(t, strings.HasSuffix(out, "\n"), "closing frame is emitted")
	assert.Contains(t, out, "echo hi")
}

func TestColorURLsSkipsCode(t *testing.T) {
	out := colorURLs("see https://example.com\n┃ curl https://example.com")
	lines := strings.Split(out, "\n")
	assert.Contains(t, lines[0], "\x1b[31mhttps://example.com\x1b[0m")
	assert.NotContains(t, lines[1], "\x1b[31m")
}

func TestHeadLines(t *testing.T) {
	assert.Equal(t, "a\nb", headLines("a\nb\n", 3))
	assert.Equal(t, "a\n... (2 more lines)", headLines("a\nb\nc", 1))
}

func TestFormatFooter(t *testing.T) {
	out := FormatFooter("Enter", "Send", "Esc")
	assert.Contains(t, out, "Enter ")
	assert.Contains(t, out, "Send")
	assert.NotContains(t, out, "Esc")
}
