package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wafflebay/marketd/internal/crypto"
	"github.com/wafflebay/marketd/internal/domain"
)

// SecretKeeper stores reveal secrets for operator-run markets encrypted at
// rest. A secret sits on disk from commit until the reveal window opens, so
// an operator restart between the two never loses the ability to reveal.
type SecretKeeper struct {
	dir      string
	password string
}

// NewSecretKeeper creates a SecretKeeper writing under dir. The directory is
// created if it does not exist.
func NewSecretKeeper(dir, password string) (*SecretKeeper, error) {
	if password == "" {
		return nil, fmt.Errorf("service: secret keeper: password must not be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("service: secret keeper: create %s: %w", dir, err)
	}
	return &SecretKeeper{dir: dir, password: password}, nil
}

// Store encrypts and persists a market's reveal secret.
func (k *SecretKeeper) Store(marketID string, secret []byte) error {
	path, err := k.path(marketID)
	if err != nil {
		return err
	}
	if err := crypto.StoreSecret(path, secret, k.password); err != nil {
		return fmt.Errorf("service: store secret for market %s: %w", marketID, err)
	}
	return nil
}

// Load decrypts and returns a market's reveal secret. Returns
// domain.ErrNotFound when no secret was stored for the market.
func (k *SecretKeeper) Load(marketID string) ([]byte, error) {
	path, err := k.path(marketID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("service: secret for market %s: %w", marketID, domain.ErrNotFound)
	}
	secret, err := crypto.LoadSecret(path, k.password)
	if err != nil {
		return nil, fmt.Errorf("service: load secret for market %s: %w", marketID, err)
	}
	return secret, nil
}

// Remove deletes a market's stored secret. Idempotent: removing a secret
// that does not exist is not an error.
func (k *SecretKeeper) Remove(marketID string) error {
	path, err := k.path(marketID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("service: remove secret for market %s: %w", marketID, err)
	}
	return nil
}

// path maps a market ID to its secret file, rejecting IDs that could escape
// the keeper directory.
func (k *SecretKeeper) path(marketID string) (string, error) {
	if marketID == "" || strings.ContainsAny(marketID, `/\`) || strings.Contains(marketID, "..") {
		return "", fmt.Errorf("service: secret keeper: invalid market id %q", marketID)
	}
	return filepath.Join(k.dir, marketID+".secret.json"), nil
}
