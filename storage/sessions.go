package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"arbor/conversation"
)

// sessionExt is the suffix of session files. Encrypted and plain snapshots
// share it; the codec decides how the bytes are read.
const sessionExt = ".session"

// Codec transforms snapshots on their way to and from disk.
// *config.EncryptionManager implements it.
type Codec interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

type plainCodec struct{}

func (plainCodec) Encrypt(b []byte) ([]byte, error) { return b, nil }
func (plainCodec) Decrypt(b []byte) ([]byte, error) { return b, nil }

// SessionStorage keeps one file per session under <data_dir>/sessions.
type SessionStorage struct {
	sessionsDir string
	codec       Codec
	logger      *zap.Logger
}

// NewSessionStorage creates the sessions directory if needed. A nil codec
// stores snapshots as plain JSON.
func NewSessionStorage(dataDir string, codec Codec, logger *zap.Logger) (*SessionStorage, error) {
	sessionsDir := filepath.Join(dataDir, "sessions")

	// 0700: conversation history is private
	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	if codec == nil {
		codec = plainCodec{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStorage{
		sessionsDir: sessionsDir,
		codec:       codec,
		logger:      logger,
	}, nil
}

func (s *SessionStorage) Dir() string {
	return s.sessionsDir
}

func (s *SessionStorage) path(id string) string {
	return filepath.Join(s.sessionsDir, id+sessionExt)
}

// Save writes a snapshot atomically: the data goes to a temp file in the same
// directory which is synced and then renamed over the old file, so a crash
// leaves either the previous or the new snapshot.
func (s *SessionStorage) Save(id string, snapshot []byte) error {
	if !validID(id) {
		return ioFailure("save", id, fmt.Errorf("invalid session id %q", id))
	}
	data, err := s.codec.Encrypt(snapshot)
	if err != nil {
		return ioFailure("save", id, fmt.Errorf("encrypt: %w", err))
	}

	tmp, err := os.CreateTemp(s.sessionsDir, "."+id+"-*.tmp")
	if err != nil {
		return ioFailure("save", id, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ioFailure("save", id, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return ioFailure("save", id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return ioFailure("save", id, err)
	}
	if err := tmp.Close(); err != nil {
		return ioFailure("save", id, err)
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		return ioFailure("save", id, err)
	}

	s.logger.Debug("session saved", zap.String("session_id", id), zap.Int("bytes", len(data)))
	return nil
}

// Load reads and decodes a snapshot. A file that cannot be decrypted is
// reported as corrupt data, not as an I/O failure.
func (s *SessionStorage) Load(id string) ([]byte, error) {
	if !validID(id) {
		return nil, ioFailure("load", id, fmt.Errorf("invalid session id %q", id))
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, ioFailure("load", id, err)
	}
	plain, err := s.codec.Decrypt(data)
	if err != nil {
		return nil, &conversation.PersistenceError{Op: "load", SessionID: id, Kind: conversation.ErrCorruptData, Err: err}
	}
	return plain, nil
}

func (s *SessionStorage) Exists(id string) bool {
	if !validID(id) {
		return false
	}
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Delete removes the session file. Deleting a missing session is not an
// error.
func (s *SessionStorage) Delete(id string) error {
	if !validID(id) {
		return ioFailure("delete", id, fmt.Errorf("invalid session id %q", id))
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ioFailure("delete", id, err)
	}
	_ = s.UnlockSession(id)
	return nil
}

// IDs lists stored sessions in lexical order.
func (s *SessionStorage) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return nil, ioFailure("list", "", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, sessionExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, sessionExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveCurrentSessionID remembers the last active session.
func (s *SessionStorage) SaveCurrentSessionID(id string) error {
	path := filepath.Join(filepath.Dir(s.sessionsDir), "current_session.id")
	return os.WriteFile(path, []byte(id), 0600)
}

func (s *SessionStorage) LoadCurrentSessionID() (string, error) {
	path := filepath.Join(filepath.Dir(s.sessionsDir), "current_session.id")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func ioFailure(op, id string, err error) error {
	return &conversation.PersistenceError{Op: op, SessionID: id, Kind: conversation.ErrIOFailure, Err: err}
}

// validID rejects anything that could escape the sessions directory.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.HasPrefix(id, ".")
}
