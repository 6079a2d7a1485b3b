// Package config loads arbor's two-layer TOML configuration: a small system
// settings file that only locates the data directory, and a user config
// inside the data directory holding everything else.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type SystemConfig struct {
	DataDirectory string `toml:"data_directory"`
}

type ProviderConfig struct {
	Type    string `toml:"type"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `toml:"api_key_env,omitempty"`
}

type AgentConfig struct {
	MaxSteps     int  `toml:"max_steps"`
	ModelRetries int  `toml:"model_retries"`
	Verbose      bool `toml:"verbose"`
}

type ToolsConfig struct {
	ShellTimeout  Duration `toml:"shell_timeout"`
	OutputLimit   int      `toml:"output_limit"`
	WorkingDir    string   `toml:"working_dir,omitempty"`
	InheritEnv    []string `toml:"inherit_env,omitempty"`
	Env           []string `toml:"env,omitempty"`
	FileSizeLimit int64    `toml:"file_size_limit"`
}

type MCPServer struct {
	ID        string            `toml:"id"`
	Command   string            `toml:"command,omitempty"`
	Args      []string          `toml:"args,omitempty"`
	Env       map[string]string `toml:"env,omitempty"`
	URL       string            `toml:"url,omitempty"`
	Transport string            `toml:"transport,omitempty"`
}

type MCPConfig struct {
	Servers []MCPServer `toml:"servers"`
}

type StorageConfig struct {
	Encryption EncryptionMethod `toml:"encryption"`
	SSHKeyPath string           `toml:"ssh_key_path,omitempty"`
}

type SummaryConfig struct {
	Enabled      bool `toml:"enabled"`
	TriggerPairs int  `toml:"trigger_pairs"`
}

type UserConfig struct {
	SystemPrompt string         `toml:"system_prompt,omitempty"`
	Provider     ProviderConfig `toml:"provider"`
	Agent        AgentConfig    `toml:"agent"`
	Tools        ToolsConfig    `toml:"tools"`
	MCP          MCPConfig      `toml:"mcp"`
	Storage      StorageConfig  `toml:"storage"`
	Summary      SummaryConfig  `toml:"summary"`
}

// Config is the merged result of both files and the environment. It is
// passed explicitly to constructors; nothing reads it globally.
type Config struct {
	DataDirectory string
	UserConfig
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (c *Config) DataDir() string {
	return ExpandPath(c.DataDirectory)
}

// SessionsDir is where session files live.
func (c *Config) SessionsDir() string {
	return SessionsDir(c.DataDir())
}

// WorkingDir is the tools' working directory, defaulting to the process's.
func (c *Config) WorkingDir() string {
	if c.Tools.WorkingDir != "" {
		return ExpandPath(c.Tools.WorkingDir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// APIKey returns the provider API key from the configured environment
// variable, falling back to the credential store.
func (c *Config) APIKey(creds *CredentialStore) string {
	if c.Provider.APIKeyEnv != "" {
		if key := os.Getenv(c.Provider.APIKeyEnv); key != "" {
			return key
		}
	}
	if creds != nil {
		return creds.Get(c.Provider.Type)
	}
	return ""
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ARBOR_PROVIDER"); v != "" {
		c.Provider.Type = v
	}
	if v := os.Getenv("ARBOR_MODEL"); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv("ARBOR_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
}

// Validate rejects values the agent and tools cannot run with.
func (c *Config) Validate() error {
	if c.Agent.MaxSteps < 1 || c.Agent.MaxSteps > MaxAgentSteps {
		return fmt.Errorf("agent.max_steps must be between 1 and %d, got %d", MaxAgentSteps, c.Agent.MaxSteps)
	}
	if c.Agent.ModelRetries < 0 || c.Agent.ModelRetries > MaxModelRetries {
		return fmt.Errorf("agent.model_retries must be between 0 and %d, got %d", MaxModelRetries, c.Agent.ModelRetries)
	}
	if c.Tools.ShellTimeout.Duration <= 0 {
		return fmt.Errorf("tools.shell_timeout must be positive")
	}
	if c.Tools.OutputLimit <= 0 || c.Tools.FileSizeLimit <= 0 {
		return fmt.Errorf("tools.output_limit and tools.file_size_limit must be positive")
	}
	switch c.Storage.Encryption {
	case EncryptionNone:
	case EncryptionSSHKey:
		if c.Storage.SSHKeyPath == "" {
			return fmt.Errorf("storage.ssh_key_path is required for ssh_key encryption")
		}
	default:
		return fmt.Errorf("unknown storage.encryption %q", c.Storage.Encryption)
	}
	seen := make(map[string]bool)
	for _, s := range c.MCP.Servers {
		if s.ID == "" || strings.ContainsAny(s.ID, ". ") {
			return fmt.Errorf("mcp server id %q must be non-empty without dots or spaces", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate mcp server id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Command == "" && s.URL == "" {
			return fmt.Errorf("mcp server %q needs a command or url", s.ID)
		}
	}
	return nil
}

func CheckDebug() bool {
	debug := os.Getenv("ARBOR_DEBUG")
	return debug == "true" || debug == "1"
}

// Load reads settings.toml (created if missing), then the user config in the
// data directory (created if missing), then applies environment overrides.
func Load() (*Config, error) {
	systemCfg, err := LoadSystemConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load system config: %w", err)
	}
	dataDirectory := systemCfg.DataDirectory
	if v := os.Getenv("ARBOR_DATA_DIR"); v != "" {
		dataDirectory = v
	}
	return LoadFrom(dataDirectory)
}

// LoadFrom skips the system settings file and reads the user config from
// dataDirectory directly.
func LoadFrom(dataDirectory string) (*Config, error) {
	cfg := &Config{DataDirectory: dataDirectory}
	dataDir := cfg.DataDir()

	if err := EnsureDataDirPermissions(dataDir); err != nil {
		return nil, fmt.Errorf("failed to prepare data directory: %w", err)
	}

	userCfg, err := LoadUserConfig(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	}
	cfg.UserConfig = *userCfg
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
