package mcp

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

var placeholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand resolves ${NAME} placeholders in the arguments, env values and URL
// of cfg from lookup, so tokens can stay out of the config file. A command
// line given as a single string with no Args is split into words first.
func Expand(cfg ServerConfig, lookup func(string) (string, bool)) (ServerConfig, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if len(cfg.Args) == 0 && strings.ContainsAny(strings.TrimSpace(cfg.Command), " \t") {
		words := SplitArgs(cfg.Command)
		cfg.Command, cfg.Args = words[0], words[1:]
	}

	missing := make(map[string]bool)
	sub := func(s string) string {
		return placeholderRegex.ReplaceAllStringFunc(s, func(m string) string {
			name := placeholderRegex.FindStringSubmatch(m)[1]
			v, ok := lookup(name)
			if !ok {
				missing[name] = true
			}
			return v
		})
	}

	out := cfg
	out.URL = sub(cfg.URL)
	if len(cfg.Args) > 0 {
		out.Args = make([]string, len(cfg.Args))
		for i, a := range cfg.Args {
			out.Args[i] = sub(a)
		}
	}
	if len(cfg.Env) > 0 {
		out.Env = make(map[string]string, len(cfg.Env))
		for k, v := range cfg.Env {
			out.Env[k] = sub(v)
		}
	}

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return cfg, fmt.Errorf("server %s: unset environment variable(s): %s", cfg.ID, strings.Join(names, ", "))
	}
	return out, nil
}

// SplitArgs splits a command line on blanks. Single or double quotes group
// words; there are no escapes.
func SplitArgs(s string) []string {
	var (
		tokens  []string
		current strings.Builder
		quote   byte
		inToken bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inToken = true
		case c == ' ' || c == '\t':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteByte(c)
			inToken = true
		}
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens
}
