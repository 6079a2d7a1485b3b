package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"arbor/agent"
	"arbor/chat"
	"arbor/config"
	"arbor/conversation"
	"arbor/event"
	"arbor/mcp"
	"arbor/provider"
	"arbor/storage"
	"arbor/tool"
)

// staleRetries bounds how often an agent step is retried after another
// writer moved the branch head.
const staleRetries = 3

// PassphraseFunc asks for the SSH key passphrase. errMsg is set after a
// failed attempt; an empty result cancels.
type PassphraseFunc func(keyPath, errMsg string) (string, error)

// components is everything one arbor process runs on.
type components struct {
	cfg     *config.Config
	logger  *zap.Logger
	creds   *config.CredentialStore
	files   *storage.SessionStorage
	index   *storage.Index
	bus     *event.Bus
	store   *conversation.Store
	library *storage.Library
	tools   *tool.Registry
	servers *mcp.Manager
	engine  *agent.Engine
	chat    *chat.Service
}

// bootstrap loads config and builds the stack. MCP servers are not started;
// call startServers when tools are wanted.
func bootstrap(ctx context.Context, cfg *config.Config, ask PassphraseFunc) (*components, error) {
	logger, err := config.InitDebugLog(cfg.DataDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	c := &components{cfg: cfg, logger: logger}

	enc := config.NewEncryptionManagerFromConfig(cfg, logger)
	if err := unlock(enc, ask); err != nil {
		return nil, err
	}

	c.creds = config.NewCredentialStore(cfg.DataDir(), enc)
	if err := c.creds.Load(); err != nil {
		logger.Warn("failed to load credentials", zap.Error(err))
	}

	c.files, err = storage.NewSessionStorage(cfg.DataDir(), enc, logger)
	if err != nil {
		return nil, err
	}
	c.index, err = storage.OpenIndex(config.IndexPath(cfg.DataDir()))
	if err != nil {
		// search degrades, sessions still work
		logger.Warn("session index unavailable", zap.Error(err))
		c.index = nil
	}

	c.bus = event.NewBus(logger)
	c.store = conversation.NewStore(conversation.WithPublisher(c.bus), conversation.WithLogger(logger))
	c.library = storage.NewLibrary(c.store, c.files, c.index, logger)
	if c.index == nil {
		// without the catalog, listing only sees loaded sessions
		if _, err := c.library.LoadAll(ctx); err != nil {
			logger.Warn("some sessions failed to load", zap.Error(err))
		}
	}

	prov, err := provider.FromConfig(cfg, c.creds, logger)
	if err != nil {
		c.close(ctx)
		return nil, err
	}

	c.tools = tool.NewRegistry(logger)
	c.tools.SetPublisher(c.bus)
	for _, t := range tool.Builtins(
		tool.ShellConfig{
			Timeout:     cfg.Tools.ShellTimeout.Duration,
			OutputLimit: cfg.Tools.OutputLimit,
			WorkingDir:  cfg.WorkingDir(),
			InheritEnv:  cfg.Tools.InheritEnv,
			Env:         cfg.Tools.Env,
		},
		tool.FileConfig{Root: cfg.WorkingDir(), SizeLimit: cfg.Tools.FileSizeLimit},
		logger,
	) {
		c.tools.Register(t)
	}
	c.servers = mcp.NewManager(nil, c.tools, logger)

	c.engine = agent.NewEngine(c.store, c.tools,
		agent.NewProviderClient(prov, c.tools, cfg.SystemPrompt),
		agent.WithConfig(agent.Config{
			MaxSteps:         cfg.Agent.MaxSteps,
			ModelRetries:     cfg.Agent.ModelRetries,
			StaleRetries:     staleRetries,
			ObservationLimit: cfg.Tools.OutputLimit,
		}),
		agent.WithPublisher(c.bus),
		agent.WithLogger(logger),
		agent.WithOnFinish(c.saveRun),
	)

	pairs := cfg.Summary.TriggerPairs
	if !cfg.Summary.Enabled {
		pairs = 0
	}
	c.chat = chat.NewService(c.store, prov,
		chat.WithPublisher(c.bus),
		chat.WithLogger(logger),
		chat.WithSystemPrompt(cfg.SystemPrompt),
		chat.WithSummaries(pairs),
	)
	return c, nil
}

// unlock initializes encryption, asking for a passphrase until the key opens
// or the user gives up.
func unlock(enc *config.EncryptionManager, ask PassphraseFunc) error {
	need, err := enc.NeedsPassphrase()
	if err != nil {
		return fmt.Errorf("failed to check SSH key: %w", err)
	}
	if !need {
		return enc.Initialize()
	}
	if p := os.Getenv("ARBOR_SSH_PASSPHRASE"); p != "" {
		enc.SetPassphrase(p)
		return enc.Initialize()
	}
	if ask == nil {
		return errors.New("SSH key is encrypted: set ARBOR_SSH_PASSPHRASE")
	}

	var errMsg string
	for {
		p, err := ask(enc.KeyPath(), errMsg)
		if err != nil {
			return err
		}
		if p == "" {
			return errors.New("passphrase entry cancelled")
		}
		enc.SetPassphrase(p)
		err = enc.Initialize()
		if err == nil {
			return nil
		}
		errMsg = err.Error()
	}
}

// startServers launches the configured MCP servers and logs the ones that
// failed. Failures are also reported by /mcp.
func (c *components) startServers(ctx context.Context) {
	if len(c.cfg.MCP.Servers) == 0 {
		return
	}
	servers := make([]mcp.ServerConfig, 0, len(c.cfg.MCP.Servers))
	for _, s := range c.cfg.MCP.Servers {
		servers = append(servers, mcp.ServerConfig{
			ID:        s.ID,
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			URL:       s.URL,
			Transport: s.Transport,
		})
	}
	for id, err := range c.servers.Start(ctx, servers) {
		c.logger.Warn("mcp server failed to start", zap.String("server", id), zap.Error(err))
	}
}

// resume picks the session to continue: the last current one if it exists
// and no other process holds it, else a fresh one. The result is locked.
func (c *components) resume(ctx context.Context) string {
	id, err := c.files.LoadCurrentSessionID()
	if err == nil && id != "" && c.files.Exists(id) {
		pid, err := c.files.CheckSessionLock(id)
		switch {
		case err != nil:
			c.logger.Warn("failed to check session lock", zap.String("session_id", id), zap.Error(err))
		case pid != 0:
			c.logger.Info("last session is locked by another process",
				zap.String("session_id", id), zap.Int("pid", pid))
		default:
			if _, err := c.store.Session(id); err == nil {
				c.claim(id)
				return id
			}
			_, err = c.library.Load(ctx, id)
			if err == nil {
				c.claim(id)
				return id
			}
			c.logger.Warn("failed to load last session", zap.String("session_id", id), zap.Error(err))
		}
	}
	id = c.store.CreateSession().ID
	c.claim(id)
	return id
}

// saveRun persists the session a finished run wrote its trace to, which
// need not be the session on screen.
func (c *components) saveRun(r *agent.Run) {
	if err := c.library.Save(context.Background(), r.SessionID); err != nil {
		c.logger.Warn("failed to save session after agent run",
			zap.String("session_id", r.SessionID), zap.String("run_id", r.ID), zap.Error(err))
	}
}

func (c *components) claim(id string) {
	if err := c.files.LockSession(id); err != nil {
		c.logger.Warn("failed to lock session", zap.String("session_id", id), zap.Error(err))
	}
	if err := c.files.SaveCurrentSessionID(id); err != nil {
		c.logger.Warn("failed to remember session", zap.String("session_id", id), zap.Error(err))
	}
}

// close stops runs and servers and releases storage. It is safe on a
// partially built value.
func (c *components) close(ctx context.Context) {
	if c.engine != nil {
		if err := c.engine.Close(ctx); err != nil {
			c.logger.Warn("agent runs did not stop cleanly", zap.Error(err))
		}
	}
	if c.servers != nil {
		if err := c.servers.Shutdown(ctx); err != nil {
			c.logger.Warn("mcp shutdown failed", zap.Error(err))
		}
	}
	if c.index != nil {
		_ = c.index.Close()
	}
	_ = c.logger.Sync()
}
