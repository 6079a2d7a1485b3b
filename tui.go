package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"arbor/command"
	"arbor/storage"
	"arbor/ui"
)

var errCancelled = errors.New("cancelled")

// runInteractive opens the chat screen. Startup problems the user can act on
// are shown as modals before it.
func runInteractive() error {
	cfg, err := loadConfig()
	if err != nil {
		showError("Configuration Error", err.Error())
		return nil
	}

	ctx := context.Background()
	c, err := bootstrap(ctx, cfg, askPassphrase)
	if errors.Is(err, errCancelled) {
		return nil
	}
	if err != nil {
		showError("Startup Error", err.Error())
		return nil
	}
	defer func() {
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.close(shutdown)
	}()

	ok, err := lockInstance(c.files)
	if err != nil || !ok {
		return err
	}
	defer func() {
		if err := c.files.UnlockInstance(); err != nil {
			c.logger.Warn("failed to unlock instance", zap.Error(err))
		}
	}()

	c.startServers(ctx)
	current := c.resume(ctx)
	d := command.New(c.env(), current)
	defer func() {
		// stop runs first so their closing messages are in the final save
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.engine.Close(shutdown); err != nil {
			c.logger.Warn("agent runs did not stop cleanly", zap.Error(err))
		}
		id, _ := d.Current()
		if err := d.Save(context.Background(), id); err != nil {
			c.logger.Warn("failed to save session on exit", zap.String("session_id", id), zap.Error(err))
		}
		_ = c.files.UnlockSession(id)
	}()

	events, unsubscribe := c.bus.Subscribe(256)
	defer unsubscribe()

	app := ui.NewApp(ui.Options{
		Dispatcher: d,
		Store:      c.store,
		Events:     events,
		Model:      func() string { return c.chat.Provider().GetDisplayName() },
		Logger:     c.logger,
	})
	defer app.Close()

	if _, err := tea.NewProgram(app, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("error running arbor: %w", err)
	}
	return nil
}

// lockInstance takes the data directory's instance lock. It reports false
// when another live process holds it and the user chose to leave.
func lockInstance(files *storage.SessionStorage) (bool, error) {
	pid, err := files.CheckInstanceLock()
	if err != nil {
		return false, fmt.Errorf("failed to check instance lock: %w", err)
	}
	if pid != 0 {
		final, err := tea.NewProgram(ui.NewInstanceLockedModal(pid), tea.WithAltScreen()).Run()
		if err != nil {
			return false, err
		}
		m, ok := final.(ui.InstanceLockedModal)
		if !ok || !m.ForceDelete() {
			return false, nil
		}
		if err := files.UnlockInstance(); err != nil {
			return false, fmt.Errorf("failed to delete lock file: %w", err)
		}
	}
	if err := files.LockInstance(); err != nil {
		return false, fmt.Errorf("failed to lock instance: %w", err)
	}
	return true, nil
}

func askPassphrase(keyPath, errMsg string) (string, error) {
	final, err := tea.NewProgram(ui.NewPassphraseModal(keyPath, errMsg), tea.WithAltScreen()).Run()
	if err != nil {
		return "", err
	}
	m, ok := final.(ui.PassphraseModal)
	if !ok || m.Passphrase() == "" {
		return "", errCancelled
	}
	return m.Passphrase(), nil
}

func showError(title, message string) {
	if _, err := tea.NewProgram(ui.NewErrorModal(title, message), tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %s\n", title, message)
	}
}
