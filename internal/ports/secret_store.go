package ports

import "context"

// SecretStore keeps passphrases for state files, keyed by profile.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}
