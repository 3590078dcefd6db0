package domain

import "context"

// ResultCache keeps assembled document results for repeated submissions of the same bytes
type ResultCache interface {
	// Get retrieves a result by key
	Get(ctx context.Context, key string) (*DocumentResult, bool)

	// Set stores a result under the given key
	Set(ctx context.Context, key string, result *DocumentResult) error

	// Delete removes a result by key
	Delete(ctx context.Context, key string) error

	// CleanExpired removes all expired results
	CleanExpired(ctx context.Context) error
}
