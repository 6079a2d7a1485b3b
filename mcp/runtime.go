package mcp

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Runtime describes the interpreter behind a stdio server's launcher.
type Runtime struct {
	Name    string
	Path    string
	Version string
}

type launcher struct {
	runtime    string
	binaries   []string
	minVersion string
}

// Launchers whose runtime is checked before a server is started. npx needs
// a Node release that supports the MCP SDK.
var launchers = map[string]launcher{
	"npx":     {runtime: "node", binaries: []string{"node"}, minVersion: "18.0.0"},
	"node":    {runtime: "node", binaries: []string{"node"}, minVersion: "18.0.0"},
	"uvx":     {runtime: "python", binaries: []string{"python3", "python"}, minVersion: "3.10.0"},
	"python":  {runtime: "python", binaries: []string{"python3", "python"}, minVersion: "3.10.0"},
	"python3": {runtime: "python", binaries: []string{"python3"}, minVersion: "3.10.0"},
	"go":      {runtime: "go", binaries: []string{"go"}},
}

var versionRegex = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)?)`)

const versionTimeout = 5 * time.Second

// CheckLauncher verifies that command can be started. For known launchers
// it also finds the runtime and enforces its minimum version; for anything
// else the returned Runtime only carries the resolved path.
func CheckLauncher(ctx context.Context, command string) (Runtime, error) {
	path, err := exec.LookPath(command)
	if err != nil {
		return Runtime{}, fmt.Errorf("command %q not found on PATH", command)
	}
	l, ok := launchers[filepath.Base(command)]
	if !ok {
		return Runtime{Name: filepath.Base(command), Path: path}, nil
	}

	rt := Runtime{Name: l.runtime}
	for _, bin := range l.binaries {
		if p, err := exec.LookPath(bin); err == nil {
			rt.Path = p
			break
		}
	}
	if rt.Path == "" {
		return rt, fmt.Errorf("%s needs %s, which is not installed", command, l.runtime)
	}

	rt.Version, err = runtimeVersion(ctx, rt.Path, l.runtime)
	if err != nil {
		return rt, fmt.Errorf("%s version: %w", l.runtime, err)
	}
	if l.minVersion != "" && !meetsMinVersion(rt.Version, l.minVersion) {
		return rt, fmt.Errorf("%s version %s (requires >= %s)", l.runtime, rt.Version, l.minVersion)
	}
	return rt, nil
}

func runtimeVersion(ctx context.Context, path, runtime string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	arg := "--version"
	if runtime == "go" {
		arg = "version"
	}
	out, err := exec.CommandContext(ctx, path, arg).Output()
	if err != nil {
		return "", err
	}
	return parseVersionOutput(string(out))
}

// parseVersionOutput pulls the first dotted version out of "v20.11.1",
// "Python 3.12.2" or "go version go1.25.1 linux/amd64".
func parseVersionOutput(out string) (string, error) {
	m := versionRegex.FindString(strings.TrimSpace(out))
	if m == "" {
		return "", fmt.Errorf("unrecognised version output %q", strings.TrimSpace(out))
	}
	return m, nil
}

func meetsMinVersion(current, minimum string) bool {
	cur := parseVersion(current)
	want := parseVersion(minimum)
	for i := range cur {
		if cur[i] != want[i] {
			return cur[i] > want[i]
		}
	}
	return true
}

func parseVersion(version string) [3]int {
	var result [3]int
	for i, part := range strings.SplitN(version, ".", 3) {
		result[i], _ = strconv.Atoi(part)
	}
	return result
}
