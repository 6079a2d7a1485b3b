package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"arbor/tool"
)

const closeTimeout = time.Second

// Client is a Transport backed by an mcp-go client.
type Client struct {
	id     string
	client *client.Client
	cmd    *exec.Cmd
	logger *zap.Logger
}

func (c *Client) Discover(ctx context.Context) ([]mcptypes.Tool, error) {
	res, err := c.client.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return res.Tools, nil
}

func (c *Client) Invoke(ctx context.Context, name string, args map[string]any) tool.Result {
	res, err := c.client.CallTool(ctx, mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		c.logger.Debug("mcp call failed", zap.String("server", c.id), zap.String("tool", name), zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return tool.Fail(tool.Timeout, "%s.%s: %v", c.id, name, err)
		}
		return tool.Fail(tool.TransportError, "%s.%s: %v", c.id, name, err)
	}
	return resultFromCall(res)
}

// Close shuts the client down, killing a local server that does not exit
// within closeTimeout.
func (c *Client) Close() error {
	done := make(chan error, 1)
	go func() { done <- c.client.Close() }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		c.logger.Debug("mcp close failed", zap.String("server", c.id), zap.Error(err))
		killProcess(c.cmd)
		return err
	case <-time.After(closeTimeout):
		c.logger.Warn("mcp close timed out, killing server", zap.String("server", c.id))
		killProcess(c.cmd)
		return nil
	}
}

// resultFromCall flattens call content to text. A server-reported error
// (IsError) maps to NonZeroExit, the closest analogue of a command that ran
// and failed.
func resultFromCall(res *mcptypes.CallToolResult) tool.Result {
	if res == nil {
		return tool.OK("")
	}
	text := contentText(res.Content)
	if res.IsError {
		return tool.Result{Output: text, Err: &tool.Error{Kind: tool.NonZeroExit, Message: "tool reported an error"}}
	}
	return tool.OK(text)
}

func contentText(content []mcptypes.Content) string {
	if len(content) == 0 {
		return ""
	}
	parts := make([]string, 0, len(content))
	for _, item := range content {
		switch v := item.(type) {
		case mcptypes.TextContent:
			parts = append(parts, v.Text)
		case *mcptypes.TextContent:
			parts = append(parts, v.Text)
		default:
			raw, err := json.Marshal(item)
			if err != nil {
				continue
			}
			parts = append(parts, string(raw))
		}
	}
	return strings.Join(parts, "\n")
}
