package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

type EncryptionMethod string

const (
	EncryptionNone   EncryptionMethod = "none"
	EncryptionSSHKey EncryptionMethod = "ssh_key"
)

// keyDerivationMessage is signed with the SSH key; the signature hash is the
// AES key. Changing it makes existing session files unreadable.
var keyDerivationMessage = []byte("arbor-session-key-derivation-v1")

// EncryptionManager encrypts session files and credentials at rest with an
// AES-256-GCM key derived from an SSH private key.
type EncryptionManager struct {
	method     EncryptionMethod
	sshKeyPath string
	passphrase string
	aesKey     []byte
	logger     *zap.Logger
}

func NewEncryptionManager(method EncryptionMethod, sshKeyPath string, logger *zap.Logger) *EncryptionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EncryptionManager{
		method:     method,
		sshKeyPath: ExpandPath(sshKeyPath),
		logger:     logger,
	}
}

// NewEncryptionManagerFromConfig builds the manager for cfg.Storage.
func NewEncryptionManagerFromConfig(cfg *Config, logger *zap.Logger) *EncryptionManager {
	method := cfg.Storage.Encryption
	if method == "" {
		method = EncryptionNone
	}
	return NewEncryptionManager(method, cfg.Storage.SSHKeyPath, logger)
}

func (e *EncryptionManager) SetPassphrase(passphrase string) {
	e.passphrase = passphrase
}

// NeedsPassphrase reports whether Initialize will fail without a passphrase.
func (e *EncryptionManager) NeedsPassphrase() (bool, error) {
	if e.method != EncryptionSSHKey || e.passphrase != "" {
		return false, nil
	}
	return IsSSHKeyEncrypted(e.sshKeyPath)
}

// Initialize loads the SSH key and derives the AES key. It is a no-op for
// EncryptionNone.
func (e *EncryptionManager) Initialize() error {
	switch e.method {
	case EncryptionNone:
		return nil

	case EncryptionSSHKey:
		encrypted, err := IsSSHKeyEncrypted(e.sshKeyPath)
		if err != nil {
			return fmt.Errorf("failed to check SSH key: %w", err)
		}
		if encrypted && e.passphrase == "" {
			return fmt.Errorf("SSH key is encrypted - passphrase required")
		}

		var signer ssh.Signer
		if encrypted {
			signer, err = LoadSSHPrivateKeyWithPassphrase(e.sshKeyPath, e.passphrase)
		} else {
			signer, err = LoadSSHPrivateKey(e.sshKeyPath)
		}
		if err != nil {
			return fmt.Errorf("failed to load SSH key: %w", err)
		}

		key, err := DeriveAESKeyFromSSH(signer)
		if err != nil {
			return fmt.Errorf("failed to derive encryption key: %w", err)
		}
		e.aesKey = key
		e.logger.Debug("encryption initialized",
			zap.String("key_path", e.sshKeyPath),
			zap.Bool("key_encrypted", encrypted))
		return nil

	default:
		return fmt.Errorf("unknown encryption method: %s", e.method)
	}
}

func (e *EncryptionManager) Encrypt(plaintext []byte) ([]byte, error) {
	switch e.method {
	case EncryptionNone:
		return plaintext, nil
	case EncryptionSSHKey:
		if e.aesKey == nil {
			return nil, fmt.Errorf("encryption manager not initialized")
		}
		return encryptAESGCM(plaintext, e.aesKey)
	default:
		return nil, fmt.Errorf("unknown encryption method: %s", e.method)
	}
}

func (e *EncryptionManager) Decrypt(ciphertext []byte) ([]byte, error) {
	switch e.method {
	case EncryptionNone:
		return ciphertext, nil
	case EncryptionSSHKey:
		if e.aesKey == nil {
			return nil, fmt.Errorf("encryption manager not initialized")
		}
		return decryptAESGCM(ciphertext, e.aesKey)
	default:
		return nil, fmt.Errorf("unknown encryption method: %s", e.method)
	}
}

// KeyPath is the expanded SSH key path, empty unless ssh_key encryption is on.
func (e *EncryptionManager) KeyPath() string {
	if e.method != EncryptionSSHKey {
		return ""
	}
	return e.sshKeyPath
}

func (e *EncryptionManager) Method() EncryptionMethod {
	return e.method
}

// encryptAESGCM returns nonce || ciphertext || tag.
func encryptAESGCM(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptAESGCM(ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DeriveAESKeyFromSSH hashes a signature over a fixed message. Only
// deterministic signature schemes (ed25519, RSA PKCS#1 v1.5) give a stable
// key; ECDSA keys do not.
func DeriveAESKeyFromSSH(signer ssh.Signer) ([]byte, error) {
	sig, err := signer.Sign(rand.Reader, keyDerivationMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	sum := sha256.Sum256(sig.Blob)
	return sum[:], nil
}
