package config

import "time"

// MaxAgentSteps is the hard ceiling on agent steps per run.
const MaxAgentSteps = 5

// MaxModelRetries caps how often a failed inference call is repeated.
const MaxModelRetries = 1

func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		DataDirectory: "~/.local/share/arbor",
	}
}

func DefaultUserConfig() *UserConfig {
	return &UserConfig{
		Provider: ProviderConfig{
			Type:    "ollama",
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1:latest",
		},
		Agent: AgentConfig{
			MaxSteps:     MaxAgentSteps,
			ModelRetries: 1,
		},
		Tools: ToolsConfig{
			ShellTimeout:  Duration{30 * time.Second},
			OutputLimit:   16 << 10,
			FileSizeLimit: 256 << 10,
		},
		Storage: StorageConfig{
			Encryption: EncryptionNone,
		},
		Summary: SummaryConfig{
			Enabled:      true,
			TriggerPairs: 20,
		},
	}
}

func GenerateSystemConfigTemplate() string {
	return `# arbor system settings
# Location: ~/.config/arbor/settings.toml

# Directory holding sessions, the search index and config.toml
data_directory = "~/.local/share/arbor"
`
}

func GenerateUserConfigTemplate() string {
	return `# arbor user configuration
# Location: <data_directory>/config.toml

# Prepended to every conversation as a system message (optional)
system_prompt = ""

[provider]
# ollama, openai, openrouter or anthropic
type = "ollama"
base_url = "http://localhost:11434"
model = "llama3.1:latest"
# Environment variable holding the API key for cloud providers
# api_key_env = "OPENAI_API_KEY"

[agent]
# Steps per agent run, at most 5
max_steps = 5
# Retries after a failed model call before the run fails
model_retries = 1
# Show reasoning text for each step
verbose = false

[tools]
shell_timeout = "30s"
output_limit = 16384
file_size_limit = 262144
# Working directory for shell and filesystem tools (default: current directory)
# working_dir = "~/projects"
# Environment variables the shell tool may inherit
# inherit_env = ["HOME", "LANG"]
# Extra environment for the shell tool
# env = ["PAGER=cat"]

# MCP servers, one table per server
# [[mcp.servers]]
# id = "git"
# command = "uvx"
# args = ["mcp-server-git"]

[storage]
# none or ssh_key
encryption = "none"
# ssh_key_path = "~/.ssh/id_ed25519"

[summary]
enabled = true
# Summarise after this many user/assistant pairs
trigger_pairs = 20
`
}
