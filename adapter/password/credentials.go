package password

import (
	"context"

	"github.com/MrEthical07/authflow/storage"
)

// CredentialStore owns the email to password-hash mapping. The application
// supplies one; StorageCredentials is a reference implementation.
type CredentialStore interface {
	// PasswordHash returns the stored hash for email. A missing account is
	// ("", false, nil).
	PasswordHash(ctx context.Context, email string) (string, bool, error)
	// SetPasswordHash creates or replaces the credential for email.
	SetPasswordHash(ctx context.Context, email, hash string) error
}

// StorageCredentials keeps password hashes in a storage backend under
// "email:<email>:password" with no expiry.
type StorageCredentials struct {
	storage storage.Storage
}

var _ CredentialStore = (*StorageCredentials)(nil)

func NewStorageCredentials(s storage.Storage) *StorageCredentials {
	return &StorageCredentials{storage: s}
}

func credentialKey(email string) string {
	return storage.Key("email", email, "password")
}

func (c *StorageCredentials) PasswordHash(ctx context.Context, email string) (string, bool, error) {
	raw, ok, err := c.storage.Get(ctx, credentialKey(email))
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}

func (c *StorageCredentials) SetPasswordHash(ctx context.Context, email, hash string) error {
	return c.storage.Set(ctx, credentialKey(email), []byte(hash), 0)
}
