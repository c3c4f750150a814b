package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

const (
	tokenEnv     = "LECSEG_API_TOKEN"
	tokenAccount = "api_token"
)

// SecretStore reads and writes secrets.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// GetAPIToken returns the bearer token protecting the HTTP API. It comes
// from LECSEG_API_TOKEN or the secret store; a new token is generated and
// stored on first use. An unreadable store is an error so an existing
// token is never replaced.
func GetAPIToken(store SecretStore) (string, error) {
	if tok := os.Getenv(tokenEnv); tok != "" {
		return tok, nil
	}
	tok, err := store.Get(keychainService, tokenAccount)
	if err == nil && tok != "" {
		return tok, nil
	}
	if err != nil && !errors.Is(err, errNoSecret) {
		return "", fmt.Errorf("reading API token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := store.Set(keychainService, tokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
