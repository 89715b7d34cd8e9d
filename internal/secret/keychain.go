package secret

import (
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
)

const keychainService = "expensesync"

// KeychainStore keeps values in the macOS Keychain through the `security` CLI.
type KeychainStore struct {
	service string
}

// NewKeychainStore creates a KeychainStore scoped to the app's service name.
func NewKeychainStore() *KeychainStore {
	return &KeychainStore{service: keychainService}
}

// Set replaces any existing entry for key.
func (k *KeychainStore) Set(key string, value []byte) error {
	k.Delete(key)

	cmd := exec.Command("security", "add-generic-password",
		"-a", key,
		"-s", k.service,
		"-w", string(value),
		"-U",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "keychain set: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// Get returns nil when the item is missing.
func (k *KeychainStore) Get(key string) ([]byte, error) {
	cmd := exec.Command("security", "find-generic-password",
		"-a", key,
		"-s", k.service,
		"-w",
	)
	out, err := cmd.Output()
	if err != nil {
		// exit code 44: item not found
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 44 {
			return nil, nil
		}
		return nil, errors.Wrap(err, "keychain get")
	}
	return []byte(strings.TrimSpace(string(out))), nil
}

// Delete ignores missing items.
func (k *KeychainStore) Delete(key string) error {
	cmd := exec.Command("security", "delete-generic-password",
		"-a", key,
		"-s", k.service,
	)
	cmd.Run()
	return nil
}
