package config

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keyringService = "cadence"

// ErrNoToken is returned when no API token is configured or saved.
var ErrNoToken = errors.New("no API token configured")

// SaveToken stores the API token for serverURL in the OS keyring.
func SaveToken(serverURL, token string) error {
	if serverURL == "" {
		return errors.New("server URL cannot be empty")
	}
	if token == "" {
		return errors.New("token cannot be empty")
	}
	if err := keyring.Set(keyringService, serverURL, token); err != nil {
		return fmt.Errorf("store token in keyring: %w", err)
	}
	return nil
}

// DeleteToken removes the saved token for serverURL. Removing a token that
// was never saved succeeds.
func DeleteToken(serverURL string) error {
	err := keyring.Delete(keyringService, serverURL)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete token from keyring: %w", err)
	}
	return nil
}

// ResolveToken returns the client token: CADENCE_TOKEN first, then the
// keyring entry for the configured server.
func (c *Config) ResolveToken() (string, error) {
	if c.Client.Token != "" {
		return c.Client.Token, nil
	}
	if c.Client.ServerURL == "" {
		return "", ErrNoToken
	}
	token, err := keyring.Get(keyringService, c.Client.ServerURL)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("read token from keyring: %w", err)
	}
	return token, nil
}
