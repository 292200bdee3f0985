// Package token holds the OAuth2 token value and the storage it lives in.
//
// A Store is the single source of truth for tokens. Writers replace a
// record as a whole, so readers never see half of a refresh. Every backend
// gives read-your-writes for the same Key; visibility across processes is
// up to the backend.
package token

import "context"

// Store persists tokens keyed by provider and identity.
type Store interface {
	// Get returns autherr.ErrTokenNotFound when there is no record.
	Get(ctx context.Context, key Key) (Token, error)
	// Put creates or atomically replaces the record for key.
	Put(ctx context.Context, key Key, tok Token) error
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, key Key) error
}
