package workspace

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// vault stores encrypted secrets for one workspace. Each workspace gets its
// own AES-256 key derived from the process master key via HKDF, so leaking
// one workspace's key never exposes another's secrets.
type vault struct {
	workspaceID string
	masterKey   []byte

	mu      sync.RWMutex
	aead    cipher.AEAD
	secrets map[string][]byte
}

func newVault(workspaceID string, masterKey []byte) *vault {
	return &vault{workspaceID: workspaceID, masterKey: masterKey}
}

// deriveKey derives the workspace key and prepares the AEAD. A vault without
// a master key stays disabled; set/get report it as such.
func (v *vault) deriveKey() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.secrets = make(map[string][]byte)
	if len(v.masterKey) == 0 {
		v.aead = nil
		return nil
	}

	kdf := hkdf.New(sha256.New, v.masterKey, nil, []byte("workspace-vault:"+v.workspaceID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return fmt.Errorf("hkdf: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("gcm: %w", err)
	}
	v.aead = aead
	return nil
}

func (v *vault) set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.aead == nil {
		return fmt.Errorf("secrets vault disabled: no master key configured")
	}
	if name == "" {
		return fmt.Errorf("secret name is required")
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	v.secrets[name] = v.aead.Seal(nonce, nonce, []byte(value), nil)
	return nil
}

func (v *vault) get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.aead == nil {
		return "", fmt.Errorf("secrets vault disabled: no master key configured")
	}
	sealed, ok := v.secrets[name]
	if !ok {
		return "", fmt.Errorf("secret %q not found", name)
	}

	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("secret %q corrupted", name)
	}
	plain, err := v.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %q: %w", name, err)
	}
	return string(plain), nil
}

func (v *vault) delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.secrets[name]; !ok {
		return fmt.Errorf("secret %q not found", name)
	}
	delete(v.secrets, name)
	return nil
}

func (v *vault) count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.secrets)
}

// zero drops key material and stored ciphertexts.
func (v *vault) zero() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.aead = nil
	v.secrets = nil
}
