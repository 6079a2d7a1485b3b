package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeetsMinVersion(t *testing.T) {
	tests := []struct {
		current, minimum string
		want             bool
	}{
		{"20.11.1", "18.0.0", true},
		{"18.0.0", "18.0.0", true},
		{"16.20.2", "18.0.0", false},
		{"3.9", "3.10.0", false},
		{"3.12.2", "3.10.0", true},
		{"1.25", "1.22.0", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, meetsMinVersion(tt.current, tt.minimum), "%s >= %s", tt.current, tt.minimum)
	}
}

func TestParseVersionOutput(t *testing.T) {
	tests := map[string]string{
		"v20.11.1\n":                      "20.11.1",
		"Python 3.12.2":                   "3.12.2",
		"go version go1.25.1 linux/amd64": "1.25.1",
	}
	for in, want := range tests {
		got, err := parseVersionOutput(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := parseVersionOutput("unknown")
	assert.Error(t, err)
}

func TestCheckLauncher(t *testing.T) {
	_, err := CheckLauncher(context.Background(), "arbor-no-such-launcher")
	assert.ErrorContains(t, err, "not found on PATH")

	rt, err := CheckLauncher(context.Background(), "sh")
	require.NoError(t, err)
	assert.Equal(t, "sh", rt.Name)
	assert.NotEmpty(t, rt.Path)
}
