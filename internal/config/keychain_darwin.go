//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// errNoSecret is returned when the Keychain has no item for a key.
var errNoSecret = errors.New("secret not set")

// security exits 44 when no matching item exists.
const securityItemNotFound = 44

func keychainGet(service, account string) ([]byte, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == securityItemNotFound {
			return nil, fmt.Errorf("%s/%s: %w", service, account, errNoSecret)
		}
		return nil, fmt.Errorf("reading keychain item %s/%s: %w", service, account, err)
	}
	return out, nil
}

func keychainSet(service, account, value string) error {
	out, err := exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).CombinedOutput()
	if err != nil {
		return fmt.Errorf("writing keychain item %s/%s: %w: %s", service, account, err, strings.TrimSpace(string(out)))
	}
	return nil
}
