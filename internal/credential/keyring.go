package credential

import (
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"

	"github.com/nhle/mailer/internal/model"
)

const serviceName = "mailer"

// RefPrefix marks an account password as a reference into the keyring.
const RefPrefix = "keyring:"

// BackendKeyring enables keyring references in CredentialConfig.Backend.
const BackendKeyring = "keyring"

// ErrDisabled is returned when a reference is used without a keyring.
var ErrDisabled = errors.New("credential references are disabled")

// Resolver turns stored account passwords into usable secrets.
type Resolver struct {
	ring keyring.Keyring
}

// Open returns a Resolver for cfg. It returns a nil Resolver, which passes
// every password through, when the keyring backend is not enabled.
func Open(cfg model.CredentialConfig) (*Resolver, error) {
	if cfg.Backend != BackendKeyring {
		return nil, nil
	}

	fileDir := cfg.FileDir
	if fileDir == "" {
		fileDir = "~/.config/mailer/credentials"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailer-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewResolver(ring), nil
}

// NewResolver wraps an already opened keyring.
func NewResolver(ring keyring.Keyring) *Resolver {
	return &Resolver{ring: ring}
}

// Resolve returns secret unchanged unless it is a "keyring:<key>"
// reference, in which case the stored value is returned.
func (r *Resolver) Resolve(secret string) (string, error) {
	key, ok := strings.CutPrefix(secret, RefPrefix)
	if !ok {
		return secret, nil
	}
	if r == nil || r.ring == nil {
		return "", fmt.Errorf("resolving %q: %w", key, ErrDisabled)
	}

	item, err := r.ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key.
func (r *Resolver) Set(key, value string) error {
	if r == nil || r.ring == nil {
		return ErrDisabled
	}

	err := r.ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key.
func (r *Resolver) Delete(key string) error {
	if r == nil || r.ring == nil {
		return ErrDisabled
	}

	if err := r.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
