package ui

import (
	"regexp"
	"strings"

	markdown "github.com/MichaelMure/go-term-markdown"
	gomarkdown "github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/parser"
)

var (
	inlineCodeRegex = regexp.MustCompile(`(?s)\x1b\[44;3m(.*?)\x1b\[0m`)
	mdLinkRegex     = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^\)]+)\)`)
	urlRegex        = regexp.MustCompile(`(https?://[^\s]+)`)
)

const codeBar = "┃"

// renderMarkdown renders assistant text for a terminal of the given width.
// Autolinks stay off so terminals can detect plain URLs themselves.
func renderMarkdown(content string, width int) string {
	if width < 20 {
		width = 20
	}
	content = mdLinkRegex.ReplaceAllString(content, "$2")

	p := parser.NewWithExtensions(markdown.Extensions() &^ parser.Autolink)
	r := markdown.NewRenderer(width-4, 0)
	rendered := string(gomarkdown.Render(p.Parse([]byte(content)), r))

	rendered = inlineCodeRegex.ReplaceAllString(rendered, "\x1b[31m$1\x1b[0m")
	rendered = colorURLs(rendered)
	return strings.TrimRight(frameCodeBlocks(rendered, width), "\n")
}

func colorURLs(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if !strings.Contains(line, codeBar) {
			lines[i] = urlRegex.ReplaceAllString(line, "\x1b[31m$1\x1b[0m")
		}
	}
	return strings.Join(lines, "\n")
}

// frameCodeBlocks swaps the renderer's left bar on code lines for a
// horizontal frame above and below the block.
func frameCodeBlocks(s string, width int) string {
	const (
		darkGray = "\x1b[90m"
		reset    = "\x1b[0m"
		label    = "[code]"
	)
	lineLen := max(width-4, len(label))
	left := (lineLen - len(label)) / 2
	top := darkGray + strings.Repeat("━", left) + reset + label + darkGray + strings.Repeat("━", lineLen-len(label)-left) + reset
	bottom := darkGray + strings.Repeat("━", lineLen) + reset

	var (
		out    []string
		inCode bool
	)
	for _, line := range strings.Split(s, "\n") {
		if strings.Contains(line, codeBar) {
			if !inCode {
				inCode = true
				out = append(out, "", top, "")
			}
			out = append(out, stripCodeBar(line))
			continue
		}
		if inCode {
			out = append(out, "", bottom, "")
			inCode = false
		}
		out = append(out, line)
	}
	if inCode {
		out = append(out, "", bottom, "")
	}
	return strings.Join(out, "\n")
}

func stripCodeBar(line string) string {
	idx := strings.Index(line, codeBar)
	if idx < 0 {
		return line
	}
	rest := line[idx+len(codeBar):]
	return strings.TrimPrefix(rest, " ")
}
