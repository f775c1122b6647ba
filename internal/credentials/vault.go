// Package credentials stores the harness's own secrets encrypted at
// rest: the Tor control password, proxy logins, verifier API tokens.
// Candidate secrets never pass through here; they arrive in wordlists
// and leave as results.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/AshfordSecurity/carousel/internal/logger"
)

// Well-known vault keys looked up by the run command.
const (
	KeyTorControlPassword = "tor_control_password"
	KeyAPIToken           = "verifier_api_token"
)

// PassphraseEnv overrides the on-disk key file when set. Read directly
// from the environment; the passphrase must stay out of config files.
const PassphraseEnv = "CAROUSEL_VAULT_PASSPHRASE"

const (
	vaultFile = "secrets.enc"
	keyFile   = ".key"
)

// Vault is an encrypted key-value store under the carousel config
// directory. Values are AES-256-GCM sealed as one JSON document.
type Vault struct {
	configDir string
	log       *logger.Logger
	secrets   map[string]string
}

// NewVault opens the vault under ~/.carousel.
func NewVault(log *logger.Logger) (*Vault, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return NewVaultAt(filepath.Join(homeDir, ".carousel"), log)
}

// NewVaultAt opens a vault rooted at dir, creating the directory when
// missing.
func NewVaultAt(dir string, log *logger.Logger) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	return &Vault{
		configDir: dir,
		log:       log.WithComponent("credentials"),
		secrets:   make(map[string]string),
	}, nil
}

// Load decrypts the stored secrets. A vault that was never saved returns
// an error satisfying errors.Is(err, fs.ErrNotExist).
func (v *Vault) Load() error {
	encrypted, err := os.ReadFile(filepath.Join(v.configDir, vaultFile))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no stored secrets: %w", err)
		}
		return fmt.Errorf("failed to read secrets file: %w", err)
	}

	key, err := v.encryptionKey()
	if err != nil {
		return err
	}

	decrypted, err := decrypt(encrypted, key)
	if err != nil {
		return fmt.Errorf("failed to decrypt secrets (wrong passphrase or corrupted file): %w", err)
	}

	if err := json.Unmarshal(decrypted, &v.secrets); err != nil {
		return fmt.Errorf("failed to unmarshal secrets: %w", err)
	}
	return nil
}

// Save encrypts and writes the current secrets.
func (v *Vault) Save() error {
	data, err := json.MarshalIndent(v.secrets, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	key, err := v.encryptionKey()
	if err != nil {
		return err
	}

	encrypted, err := encrypt(data, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	path := filepath.Join(v.configDir, vaultFile)
	if err := os.WriteFile(path, encrypted, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}

	v.log.Debugw("Secrets saved", "path", path, "count", len(v.secrets))
	return nil
}

func (v *Vault) Get(key string) (string, bool) {
	value, ok := v.secrets[key]
	return value, ok
}

func (v *Vault) Set(key, value string) {
	v.secrets[key] = value
}

// Delete removes a secret and reports whether it existed.
func (v *Vault) Delete(key string) bool {
	_, ok := v.secrets[key]
	delete(v.secrets, key)
	return ok
}

// Keys lists stored secret names, sorted, without their values.
func (v *Vault) Keys() []string {
	keys := make([]string, 0, len(v.secrets))
	for k := range v.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// encryptionKey resolves the AES key: a passphrase from the environment
// wins, otherwise a random key file under the config directory.
func (v *Vault) encryptionKey() ([]byte, error) {
	if passphrase := os.Getenv(PassphraseEnv); passphrase != "" {
		return DeriveKey(passphrase), nil
	}
	return v.getOrCreateKeyFile()
}

func (v *Vault) getOrCreateKeyFile() ([]byte, error) {
	path := filepath.Join(v.configDir, keyFile)

	if keyData, err := os.ReadFile(path); err == nil {
		key, err := base64.StdEncoding.DecodeString(string(keyData))
		if err == nil && len(key) == 32 {
			return key, nil
		}
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}

	return key, nil
}

// DeriveKey stretches a passphrase into a 32-byte AES key.
func DeriveKey(passphrase string) []byte {
	salt := []byte("carousel-vault-salt-v1")
	return pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)
}

// IsInteractive reports whether stdin is a terminal, so prompting makes
// sense.
func IsInteractive() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// ReadPassword reads a value from the terminal without echoing it.
func ReadPassword() (string, error) {
	password, err := terminal.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	return string(password), nil
}

func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, sealed, nil)
}
