package security

import (
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	// KeychainService is the service name used for storing passwords in the keychain
	KeychainService = "palaver"
)

// Keychain provides secure password storage using the OS keychain. Server
// and SASL passwords never land in the settings database; only a keychain
// reference (the account name) does.
type Keychain struct{}

// NewKeychain creates a new keychain instance
func NewKeychain() *Keychain {
	return &Keychain{}
}

// ServerAccount is the keychain account name for the server password of the
// given connection identity
func ServerAccount(serverURL, nick string) string {
	return fmt.Sprintf("server/%s/%s", serverURL, nick)
}

// SASLAccount is the keychain account name for the SASL credential of the
// given connection identity
func SASLAccount(serverURL, username string) string {
	return fmt.Sprintf("sasl/%s/%s", serverURL, username)
}

// StorePassword stores a password under the given account name. An empty
// password deletes the entry instead.
func (k *Keychain) StorePassword(account string, password string) error {
	if password == "" {
		return k.DeletePassword(account)
	}
	err := keyring.Set(KeychainService, account, password)
	if err != nil {
		return fmt.Errorf("failed to store password in keychain: %w", err)
	}
	return nil
}

// GetPassword retrieves a password for the given account name. A missing
// entry is not an error; it returns the empty string.
func (k *Keychain) GetPassword(account string) (string, error) {
	password, err := keyring.Get(KeychainService, account)
	if err != nil {
		if err == keyring.ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("failed to get password from keychain: %w", err)
	}
	return password, nil
}

// DeletePassword removes a password for the given account name
func (k *Keychain) DeletePassword(account string) error {
	err := keyring.Delete(KeychainService, account)
	if err != nil {
		if err == keyring.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete password from keychain: %w", err)
	}
	return nil
}
