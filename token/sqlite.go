package token

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"

	"github.com/jrsteele09/go-oauth-dance/autherr"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// Fixed width so stored timestamps sort lexically.
const sqlTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLStore is a Store backed by a SQLite database. Tokens are stored as a
// JSON document per (provider, identity) row, optionally sealed with
// XChaCha20-Poly1305.
type SQLStore struct {
	db   *sql.DB
	aead cipher.AEAD
	now  func() time.Time
}

var _ Store = (*SQLStore)(nil)

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore) error

// WithEncryptionKey encrypts token payloads at rest. key must be 32 bytes.
func WithEncryptionKey(key []byte) SQLOption {
	return func(s *SQLStore) error {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return fmt.Errorf("invalid encryption key: %w", err)
		}
		s.aead = aead
		return nil
	}
}

// OpenSQLStore opens (or creates) the SQLite database at dsn and applies
// the schema.
func OpenSQLStore(dsn string, opts ...SQLOption) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps :memory:
	// databases shared across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s, err := NewSQLStore(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore uses an existing database handle. The schema is created if
// it does not exist.
func NewSQLStore(db *sql.DB, opts ...SQLOption) (*SQLStore, error) {
	s := &SQLStore{db: db, now: time.Now}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Get(ctx context.Context, key Key) (Token, error) {
	if err := validateKey(key); err != nil {
		return Token{}, err
	}

	var payload []byte
	var encrypted bool
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, encrypted FROM oauth_tokens WHERE provider = ? AND identity = ?`,
		key.Provider, key.Identity,
	).Scan(&payload, &encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, autherr.ErrTokenNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("failed to query token %s: %w", key, err)
	}

	if encrypted {
		if payload, err = s.open(key, payload); err != nil {
			return Token{}, err
		}
	}

	var tok Token
	if err := json.Unmarshal(payload, &tok); err != nil {
		return Token{}, fmt.Errorf("failed to decode token %s: %w", key, err)
	}
	return tok, nil
}

// Put writes the token with a single upsert, so concurrent readers see
// either the old or the new record.
func (s *SQLStore) Put(ctx context.Context, key Key, tok Token) error {
	if err := validateKey(key); err != nil {
		return err
	}

	payload, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to encode token %s: %w", key, err)
	}
	encrypted := s.aead != nil
	if encrypted {
		if payload, err = s.seal(key, payload); err != nil {
			return err
		}
	}

	var expiresAt sql.NullString
	if !tok.Expiry.IsZero() {
		expiresAt = sql.NullString{String: tok.Expiry.UTC().Format(sqlTimeFormat), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens (provider, identity, payload, encrypted, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, identity) DO UPDATE SET
			payload = excluded.payload,
			encrypted = excluded.encrypted,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		key.Provider, key.Identity, payload, encrypted, expiresAt, s.now().UTC().Format(sqlTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to store token %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key Key) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE provider = ? AND identity = ?`,
		key.Provider, key.Identity,
	); err != nil {
		return fmt.Errorf("failed to delete token %s: %w", key, err)
	}
	return nil
}

// DeleteExpired removes tokens that expired before cutoff and cannot be
// refreshed. It returns the number of rows removed.
func (s *SQLStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, identity FROM oauth_tokens WHERE expires_at IS NOT NULL AND expires_at < ?`,
		cutoff.UTC().Format(sqlTimeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to query expired tokens: %w", err)
	}
	var candidates []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Provider, &k.Identity); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired token: %w", err)
		}
		candidates = append(candidates, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var deleted int64
	for _, k := range candidates {
		tok, err := s.Get(ctx, k)
		if err != nil {
			continue
		}
		if tok.RefreshToken != "" {
			continue
		}
		if err := s.Delete(ctx, k); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// seal encrypts payload; the key is bound as additional data so a row
// cannot be moved to another identity.
func (s *SQLStore) seal(key Key, payload []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(payload)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, payload, associatedData(key)), nil
}

// associatedData encodes key with a length prefix on the provider, so no two
// keys share an encoding whatever characters they contain.
func associatedData(key Key) []byte {
	ad := binary.AppendUvarint(nil, uint64(len(key.Provider)))
	ad = append(ad, key.Provider...)
	return append(ad, key.Identity...)
}

func (s *SQLStore) open(key Key, sealed []byte) ([]byte, error) {
	if s.aead == nil {
		return nil, fmt.Errorf("token %s is encrypted but no key is configured", key)
	}
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("token %s: ciphertext too short", key)
	}
	nonce, ct := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, associatedData(key))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token %s: %w", key, err)
	}
	return plain, nil
}
