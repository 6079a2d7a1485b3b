package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"arbor/agent"
	"arbor/command"
	"arbor/config"
)

var (
	dataDir   string
	sessionID string
	branch    string
	useAgent  bool
	searchFor string
)

var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "Branching chat and agent runs in the terminal",
	Long: `arbor is a terminal chat client whose conversations are trees.

Every prompt can be edited into a new branch, branches can be forked,
switched and summarized, and /agent runs a bounded tool-using task on the
current branch.

Quick Start:
  arbor                          # open the chat screen
  arbor ask "what is a monad"    # one turn, printed to stdout
  arbor ask --agent "list *.go"  # one agent run
  arbor sessions --search docker # find saved messages`,
	Version:      fmt.Sprintf("%s (%s)", Version, License),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive()
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Send one prompt and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDispatcher(cmd.Context(), true, func(ctx context.Context, d *command.Dispatcher) error {
			return ask(ctx, cmd.OutOrStdout(), d, strings.Join(args, " "))
		})
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List saved sessions or search their messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		line := "/session list"
		if searchFor != "" {
			line = "/search " + searchFor
		}
		return withDispatcher(cmd.Context(), false, func(ctx context.Context, d *command.Dispatcher) error {
			return printResult(ctx, cmd.OutOrStdout(), d, line)
		})
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models of the configured provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDispatcher(cmd.Context(), false, func(ctx context.Context, d *command.Dispatcher) error {
			return printResult(ctx, cmd.OutOrStdout(), d, "/models")
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [json|yaml|md|html] [path]",
	Short: "Export a session branch",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDispatcher(cmd.Context(), true, func(ctx context.Context, d *command.Dispatcher) error {
			return printResult(ctx, cmd.OutOrStdout(), d, strings.TrimSpace("/export "+strings.Join(args, " ")))
		})
	},
}

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage stored provider API keys",
}

var keySetCmd = &cobra.Command{
	Use:   "set <provider>",
	Short: "Store an API key read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := credentials()
		if err != nil {
			return err
		}
		key, err := readKey(cmd.InOrStdin())
		if err != nil {
			return err
		}
		creds.Set(args[0], key)
		if err := creds.Save(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored key for %s\n", args[0])
		return nil
	},
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete <provider>",
	Short: "Remove a stored API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := credentials()
		if err != nil {
			return err
		}
		creds.Delete(args[0])
		return creds.Save()
	},
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with a stored key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := credentials()
		if err != nil {
			return err
		}
		for _, p := range creds.Providers() {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides settings.toml and ARBOR_DATA_DIR)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	for _, c := range []*cobra.Command{askCmd, exportCmd} {
		c.Flags().StringVarP(&sessionID, "session", "s", "", "Session id or unique prefix (default: last session)")
		c.Flags().StringVarP(&branch, "branch", "b", "", "Branch to use (default: the session's active branch)")
	}
	askCmd.Flags().BoolVarP(&useAgent, "agent", "a", false, "Run the prompt as an agent task")
	sessionsCmd.Flags().StringVar(&searchFor, "search", "", "Search message text instead of listing")

	keyCmd.AddCommand(keySetCmd, keyDeleteCmd, keyListCmd)
	rootCmd.AddCommand(askCmd, sessionsCmd, modelsCmd, exportCmd, keyCmd)
}

func loadConfig() (*config.Config, error) {
	if dataDir != "" {
		return config.LoadFrom(dataDir)
	}
	return config.Load()
}

// withDispatcher builds the stack without the UI and runs fn against the
// resumed session. When pick is set the --session and --branch flags are
// applied first.
func withDispatcher(ctx context.Context, pick bool, fn func(context.Context, *command.Dispatcher) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := bootstrap(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.close(shutdown)
	}()
	if useAgent {
		c.startServers(ctx)
	}

	current := c.resume(ctx)
	d := command.New(c.env(), current)
	defer func() {
		id, _ := d.Current()
		_ = c.files.UnlockSession(id)
	}()

	if pick {
		if sessionID != "" {
			if _, err := d.Execute(ctx, "/session switch "+sessionID); err != nil {
				return err
			}
		}
		if branch != "" {
			if _, err := d.Execute(ctx, "/branch switch "+branch); err != nil {
				return err
			}
		}
	}
	return fn(ctx, d)
}

func (c *components) env() command.Env {
	return command.Env{
		Store:    c.store,
		Library:  c.library,
		Chat:     c.chat,
		Agent:    c.engine,
		Tools:    c.tools,
		Servers:  c.servers,
		Logger:   c.logger,
		Autosave: true,
	}
}

func printResult(ctx context.Context, w io.Writer, d *command.Dispatcher, line string) error {
	res, err := d.Execute(ctx, line)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, res.Output)
	return nil
}

// ask runs one chat turn or agent run and prints the outcome once it is
// complete.
func ask(ctx context.Context, w io.Writer, d *command.Dispatcher, prompt string) error {
	line := prompt
	if useAgent {
		line = "/agent " + prompt
	}
	res, err := d.Execute(ctx, line)
	if err != nil {
		return err
	}
	if res.Turn != nil {
		fmt.Fprintln(w, res.Turn.Reply.Content)
		return nil
	}
	if res.Run == nil {
		fmt.Fprintln(w, res.Output)
		return nil
	}

	run := res.Run
	go func() {
		select {
		case <-ctx.Done():
			run.Abort()
		case <-run.Done():
		}
	}()
	// Wait on a fresh context so an interrupt still yields the aborted run.
	werr := run.Wait(context.Background())
	for _, s := range run.Steps() {
		writeStep(w, s)
	}
	if final := run.Final(); final != "" {
		fmt.Fprintln(w, final)
	}
	if werr != nil && !errors.Is(werr, agent.ErrAborted) {
		return werr
	}
	fmt.Fprintf(w, "[%s after %d step(s)]\n", run.State(), len(run.Steps()))
	return nil
}

func writeStep(w io.Writer, s agent.Step) {
	if s.Action == nil {
		return
	}
	status := "ok"
	if s.Failed {
		status = "failed"
	}
	fmt.Fprintf(w, "step %d: %s (%s)\n", s.Number, s.Action.Name, status)
}

func credentials() (*config.CredentialStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	enc := config.NewEncryptionManagerFromConfig(cfg, nil)
	if err := unlock(enc, nil); err != nil {
		return nil, err
	}
	creds := config.NewCredentialStore(cfg.DataDir(), enc)
	if err := creds.Load(); err != nil {
		return nil, err
	}
	return creds, nil
}

func readKey(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", errors.New("no key on stdin")
	}
	return key, nil
}
