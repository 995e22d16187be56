// Package keyring stores provider API keys in the OS keychain.
package keyring

import (
	"errors"
	"fmt"
	"os"

	zkr "github.com/zalando/go-keyring"
)

const serviceName = "glance"

// ErrNotFound is returned when no key is stored for the provider.
var ErrNotFound = errors.New("keyring: key not found")

func account(provider string) string {
	return "api-key:" + provider
}

// Get retrieves the API key stored for provider.
func Get(provider string) (string, error) {
	if disabled() {
		return "", ErrNotFound
	}
	key, err := zkr.Get(serviceName, account(provider))
	if errors.Is(err, zkr.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keychain get: %w", err)
	}
	return key, nil
}

// Set stores the API key for provider.
func Set(provider, key string) error {
	if disabled() {
		return errors.New("keyring disabled by GLANCE_KEYRING_DISABLED")
	}
	return zkr.Set(serviceName, account(provider), key)
}

// Delete removes the API key for provider.
func Delete(provider string) error {
	err := zkr.Delete(serviceName, account(provider))
	if errors.Is(err, zkr.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// disabled is opt-in for headless/CI/Docker where no keychain exists.
func disabled() bool {
	return os.Getenv("GLANCE_KEYRING_DISABLED") == "1"
}
