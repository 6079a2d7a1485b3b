package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/parser"
	"gopkg.in/yaml.v3"

	"arbor/conversation"
)

// Format is an export file format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "html", "htm":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("unknown export format %q (json, yaml, md, html)", s)
	}
}

// Export is one branch history in a self-describing shape.
type Export struct {
	SessionID  string          `json:"session_id" yaml:"session_id"`
	Name       string          `json:"name" yaml:"name"`
	Branch     string          `json:"branch" yaml:"branch"`
	Summary    string          `json:"summary,omitempty" yaml:"summary,omitempty"`
	ExportedAt time.Time       `json:"exported_at" yaml:"exported_at"`
	Messages   []ExportMessage `json:"messages" yaml:"messages"`
}

type ExportMessage struct {
	ID        uint64         `json:"id" yaml:"id"`
	Role      string         `json:"role" yaml:"role"`
	Content   string         `json:"content" yaml:"content"`
	Tool      string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Failed    bool           `json:"failed,omitempty" yaml:"failed,omitempty"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
}

// NewExport builds the export of branch from its history. The synthetic
// root is left out.
func NewExport(info conversation.SessionInfo, branch string, history []conversation.Message, now time.Time) Export {
	e := Export{
		SessionID:  info.ID,
		Name:       info.Name,
		Branch:     branch,
		ExportedAt: now.UTC(),
		Messages:   []ExportMessage{},
	}
	if b, ok := info.Branch(branch); ok {
		e.Summary = b.Summary
	}
	for _, m := range history {
		if m.IsRoot() {
			continue
		}
		em := ExportMessage{
			ID:        uint64(m.ID),
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.CreatedAt.UTC(),
		}
		if m.Tool != nil {
			em.Tool = m.Tool.Name
			em.Arguments = m.Tool.Arguments
			em.Failed = m.Tool.Failed
		}
		e.Messages = append(e.Messages, em)
	}
	return e
}

// Render encodes e in format f.
func (e Export) Render(f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.MarshalIndent(e, "", "  ")
	case FormatYAML:
		return yaml.Marshal(e)
	case FormatMarkdown:
		return []byte(e.markdown()), nil
	case FormatHTML:
		p := parser.NewWithExtensions(parser.CommonExtensions)
		return markdown.ToHTML([]byte(e.markdown()), p, nil), nil
	default:
		return nil, fmt.Errorf("unknown export format %q", f)
	}
}

func (e Export) markdown() string {
	var b strings.Builder
	name := e.Name
	if name == "" {
		name = e.SessionID
	}
	fmt.Fprintf(&b, "# %s\n\n", name)
	fmt.Fprintf(&b, "Branch `%s`, exported %s\n\n", e.Branch, e.ExportedAt.Format(time.RFC3339))
	if e.Summary != "" {
		b.WriteString("## Summary\n\n")
		b.WriteString(e.Summary)
		b.WriteString("\n\n")
	}
	for _, m := range e.Messages {
		switch m.Role {
		case string(conversation.RoleUser):
			b.WriteString("## User\n\n")
			b.WriteString(m.Content)
		case string(conversation.RoleAssistant):
			b.WriteString("## Assistant\n\n")
			b.WriteString(m.Content)
		default:
			status := ""
			if m.Failed {
				status = " (failed)"
			}
			fmt.Fprintf(&b, "## Tool `%s`%s\n\n", m.Tool, status)
			b.WriteString(fence(m.Content))
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

// fence wraps s in a code block longer than any backtick run inside it.
func fence(s string) string {
	ticks := "```"
	for strings.Contains(s, ticks) {
		ticks += "`"
	}
	return ticks + "\n" + strings.TrimRight(s, "\n") + "\n" + ticks
}

// WriteExport writes data to path, creating parent directories.
func WriteExport(path string, data []byte) error {
	// 0700 / 0600: exports contain conversation history
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// SanitizeFilename replaces characters that are invalid in file names.
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ', '\n', '\r', '\t':
			return '-'
		}
		return r
	}, name)
	name = strings.Trim(name, "-.")
	if r := []rune(name); len(r) > 50 {
		name = string(r[:50])
	}
	if name == "" {
		name = "session"
	}
	return name
}

// GenerateExportPath returns ~/Downloads/arbor-<session>-<branch>-<time>.<ext>.
func GenerateExportPath(sessionName, branch string, f Format, now time.Time) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	filename := fmt.Sprintf("arbor-%s-%s-%s.%s",
		SanitizeFilename(sessionName),
		SanitizeFilename(branch),
		now.Format("20060102-150405"),
		f)
	return filepath.Join(home, "Downloads", filename)
}
