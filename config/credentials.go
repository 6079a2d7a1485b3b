package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
)

// CredentialStore keeps provider API keys in the data directory: as TOML when
// storage encryption is off, encrypted JSON otherwise. Environment variables
// named by provider.api_key_env take precedence (see Config.APIKey).
type CredentialStore struct {
	mu      sync.RWMutex
	dataDir string
	enc     *EncryptionManager
	keys    map[string]string
}

type credentialsFile struct {
	Credentials map[string]string `toml:"credentials"`
}

func NewCredentialStore(dataDir string, enc *EncryptionManager) *CredentialStore {
	return &CredentialStore{
		dataDir: dataDir,
		enc:     enc,
		keys:    make(map[string]string),
	}
}

func (c *CredentialStore) encrypted() bool {
	return c.enc != nil && c.enc.Method() == EncryptionSSHKey
}

func (c *CredentialStore) path() string {
	if c.encrypted() {
		return filepath.Join(c.dataDir, "credentials.enc")
	}
	return filepath.Join(c.dataDir, "credentials.toml")
}

// Load reads the credentials file. A missing file is an empty store.
func (c *CredentialStore) Load() error {
	path := c.path()
	if !FileExists(path) {
		return nil
	}

	keys := make(map[string]string)
	if c.encrypted() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read encrypted credentials: %w", err)
		}
		plain, err := c.enc.Decrypt(data)
		if err != nil {
			return fmt.Errorf("failed to decrypt credentials: %w", err)
		}
		if err := json.Unmarshal(plain, &keys); err != nil {
			return fmt.Errorf("failed to parse decrypted credentials: %w", err)
		}
	} else {
		var cf credentialsFile
		if _, err := toml.DecodeFile(path, &cf); err != nil {
			return fmt.Errorf("failed to parse credentials file: %w", err)
		}
		for k, v := range cf.Credentials {
			keys[k] = v
		}
	}

	c.mu.Lock()
	c.keys = keys
	c.mu.Unlock()
	return nil
}

// Save writes the credentials file with 0600 permissions.
func (c *CredentialStore) Save() error {
	c.mu.RLock()
	snapshot := make(map[string]string, len(c.keys))
	for k, v := range c.keys {
		snapshot[k] = v
	}
	c.mu.RUnlock()

	if err := EnsureDir(c.dataDir); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if c.encrypted() {
		plain, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("failed to serialize credentials: %w", err)
		}
		data, err := c.enc.Encrypt(plain)
		if err != nil {
			return fmt.Errorf("failed to encrypt credentials: %w", err)
		}
		if err := os.WriteFile(c.path(), data, 0600); err != nil {
			return fmt.Errorf("failed to write encrypted credentials: %w", err)
		}
		return nil
	}

	f, err := os.OpenFile(c.path(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create credentials file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(credentialsFile{Credentials: snapshot}); err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	return nil
}

func (c *CredentialStore) Get(providerID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys[providerID]
}

func (c *CredentialStore) Set(providerID, apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[providerID] = apiKey
}

func (c *CredentialStore) Delete(providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, providerID)
}

// Providers lists the provider ids that have a stored key.
func (c *CredentialStore) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.keys))
	for id := range c.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
