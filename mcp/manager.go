package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"arbor/tool"
)

// Manager owns the connections to every configured server and keeps the
// registry in step with what they expose.
type Manager struct {
	mu       sync.RWMutex
	dial     Dialer
	registry *tool.Registry
	logger   *zap.Logger

	servers map[string]Transport
	// registered tracks which registry names came from which server so a
	// refresh can drop tools a server no longer lists.
	registered map[string][]string
	// shadowed holds tools a remote tool replaced, restored when the
	// remote tool goes away.
	shadowed map[string]tool.Tool
	failed   map[string]error
}

func NewManager(dial Dialer, registry *tool.Registry, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dial == nil {
		dial = NewDialer(logger)
	}
	return &Manager{
		dial:       dial,
		registry:   registry,
		logger:     logger,
		servers:    make(map[string]Transport),
		registered: make(map[string][]string),
		shadowed:   make(map[string]tool.Tool),
		failed:     make(map[string]error),
	}
}

// Start connects to all servers in parallel and runs discovery once. A
// server that fails to start is recorded and skipped; the others still
// come up. The returned map holds the failures.
func (m *Manager) Start(ctx context.Context, servers []ServerConfig) map[string]error {
	var (
		g  errgroup.Group
		mu sync.Mutex
		// failed is shared with the dial goroutines; rejected is only
		// touched by this loop and merged after Wait.
		failed   = make(map[string]error)
		rejected = make(map[string]error)
	)

	for _, cfg := range servers {
		if cfg.ID == "" {
			rejected["(unnamed)"] = errors.New("server id is required")
			continue
		}
		cfg, err := Expand(cfg, nil)
		if err != nil {
			rejected[cfg.ID] = err
			continue
		}
		g.Go(func() error {
			t, err := m.dial(ctx, cfg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[cfg.ID] = err
				return nil
			}
			m.mu.Lock()
			if old, ok := m.servers[cfg.ID]; ok {
				old.Close()
			}
			m.servers[cfg.ID] = t
			delete(m.failed, cfg.ID)
			m.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	for id, err := range rejected {
		failed[id] = err
	}

	m.mu.Lock()
	for id, err := range failed {
		m.failed[id] = err
		m.logger.Warn("mcp server failed to start", zap.String("server", id), zap.Error(err))
	}
	m.mu.Unlock()

	for id, err := range m.Discover(ctx) {
		failed[id] = err
	}
	return failed
}

// Discover lists the tools of every connected server and registers them.
// Tools a server no longer reports are unregistered.
func (m *Manager) Discover(ctx context.Context) map[string]error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	type discovered struct {
		tools []*RemoteTool
		err   error
	}
	results := make([]discovered, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		m.mu.RLock()
		t := m.servers[id]
		m.mu.RUnlock()
		g.Go(func() error {
			defs, err := t.Discover(gctx)
			if err != nil {
				results[i].err = err
				return nil
			}
			for _, d := range defs {
				results[i].tools = append(results[i].tools, newRemoteTool(id, d, t))
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := make(map[string]error)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		if err := results[i].err; err != nil {
			failed[id] = fmt.Errorf("discover: %w", err)
			m.logger.Warn("mcp discovery failed", zap.String("server", id), zap.Error(err))
			continue
		}
		for _, name := range m.registered[id] {
			m.registry.Unregister(name)
		}
		names := make([]string, 0, len(results[i].tools))
		kept := make(map[string]bool, len(results[i].tools))
		for _, rt := range results[i].tools {
			name := rt.Definition().Name
			if c := m.registry.Register(rt); c != nil {
				if _, remote := c.Previous.(*RemoteTool); !remote {
					m.shadowed[name] = c.Previous
				}
			}
			names = append(names, name)
			kept[name] = true
		}
		for _, name := range m.registered[id] {
			if !kept[name] {
				m.restore(name)
			}
		}
		m.registered[id] = names
		m.logger.Info("mcp tools discovered", zap.String("server", id), zap.Int("tools", len(names)))
	}
	return failed
}

// restore puts back the tool a remote tool had replaced under name.
// Requires m.mu held.
func (m *Manager) restore(name string) {
	prev, ok := m.shadowed[name]
	if !ok {
		return
	}
	delete(m.shadowed, name)
	m.registry.Register(prev)
	m.logger.Info("restored shadowed tool", zap.String("tool", name))
}

// Servers returns the ids of connected servers.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Failed() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]error, len(m.failed))
	for k, v := range m.failed {
		out[k] = v
	}
	return out
}

// Shutdown closes every connection in parallel and removes their tools.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]Transport)
	for id, names := range m.registered {
		for _, name := range names {
			m.registry.Unregister(name)
			m.restore(name)
		}
		delete(m.registered, id)
	}
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for id, t := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.Close(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logger.Debug("mcp servers stopped", zap.Int("count", len(servers)))
	return errors.Join(errs...)
}
