package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

const protocolVersion = "2025-06-18"

// NewDialer returns the production Dialer: it starts or connects to the
// server and runs the MCP initialize handshake.
func NewDialer(logger *zap.Logger) Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, cfg ServerConfig) (Transport, error) {
		return Dial(ctx, cfg, logger)
	}
}

func Dial(ctx context.Context, cfg ServerConfig, logger *zap.Logger) (*Client, error) {
	var (
		mcpClient *client.Client
		cmd       *exec.Cmd
		err       error
	)

	switch cfg.transport() {
	case TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %s: no command configured", cfg.ID)
		}
		rt, lerr := CheckLauncher(ctx, cfg.Command)
		if lerr != nil {
			return nil, fmt.Errorf("server %s: %w", cfg.ID, lerr)
		}
		logger.Debug("mcp launcher found",
			zap.String("server", cfg.ID),
			zap.String("runtime", rt.Name),
			zap.String("version", rt.Version))
		mcpClient, cmd, err = startLocal(cfg, logger)
	case TransportSSE:
		mcpClient, err = connectSSE(ctx, cfg)
	case TransportStreamableHTTP:
		mcpClient, err = connectStreamable(ctx, cfg)
	default:
		return nil, fmt.Errorf("server %s: unknown transport %q", cfg.ID, cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.ID, err)
	}

	initReq := mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: protocolVersion,
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo: mcptypes.Implementation{
				Name:    "arbor",
				Version: "1.0.0",
			},
		},
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		killProcess(cmd)
		return nil, fmt.Errorf("server %s: initialize: %w", cfg.ID, err)
	}

	logger.Info("mcp server connected",
		zap.String("server", cfg.ID),
		zap.String("transport", cfg.transport()))

	return &Client{id: cfg.ID, client: mcpClient, cmd: cmd, logger: logger}, nil
}

func startLocal(cfg ServerConfig, logger *zap.Logger) (*client.Client, *exec.Cmd, error) {
	var captured *exec.Cmd
	cmdFunc := func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = env
		captured = cmd
		return cmd, nil
	}

	c, err := client.NewStdioMCPClientWithOptions(
		cfg.Command,
		processEnv(cfg.Env),
		cfg.Args,
		transport.WithCommandFunc(cmdFunc),
	)
	if err != nil {
		return nil, nil, err
	}
	if captured != nil && captured.Process != nil {
		logger.Debug("mcp server process started", zap.String("server", cfg.ID), zap.Int("pid", captured.Process.Pid))
	}
	return c, captured, nil
}

func connectSSE(ctx context.Context, cfg ServerConfig) (*client.Client, error) {
	var opts []transport.ClientOption
	if len(cfg.Env) > 0 {
		opts = append(opts, transport.WithHeaders(cfg.Env))
	}
	c, err := client.NewSSEMCPClient(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.GetTransport().Start(ctx); err != nil {
		return nil, fmt.Errorf("start sse transport: %w", err)
	}
	return c, nil
}

func connectStreamable(ctx context.Context, cfg ServerConfig) (*client.Client, error) {
	var opts []transport.StreamableHTTPCOption
	if len(cfg.Env) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(cfg.Env))
	}
	c, err := client.NewStreamableHttpClient(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.GetTransport().Start(ctx); err != nil {
		return nil, fmt.Errorf("start http transport: %w", err)
	}
	return c, nil
}

// processEnv keeps the parent environment so servers launched through npx,
// uvx and friends can find their runtimes.
func processEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func killProcess(cmd *exec.Cmd) {
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
