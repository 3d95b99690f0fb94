package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/xfeldman/hyperfleet/internal/errs"
)

// APIKey is a durable bearer credential. Scopes is "*" for full access or
// a set of domain verbs (e.g. "machines:write", "machines:exec").
type APIKey struct {
	ID           string
	Hash         string // sha256 hex of the secret
	PublicPrefix string // first 11 chars of the plaintext secret, safe to log
	Scopes       []string
	ExpiresAt    *time.Time
	RevokedAt    *time.Time
	LastUsedAt   *time.Time
	CreatedAt    time.Time
}

// HashSecret returns the lookup hash for a plaintext API key secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// PublicPrefix returns the first 11 characters of a plaintext secret for
// display/logging purposes; shorter secrets are returned whole.
func PublicPrefix(secret string) string {
	if len(secret) <= 11 {
		return secret
	}
	return secret[:11]
}

// CreateAPIKey inserts a new key row.
func (d *DB) CreateAPIKey(k *APIKey) error {
	k.CreatedAt = time.Now().UTC()
	scopesJSON, err := json.Marshal(k.Scopes)
	if err != nil {
		return err
	}

	_, err = d.db.Exec(`
		INSERT INTO api_keys (id, hash, public_prefix, scopes, expires_at, revoked_at, last_used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, k.ID, k.Hash, k.PublicPrefix, string(scopesJSON),
		nullableTime(k.ExpiresAt), nullableTime(k.RevokedAt), nullableTime(k.LastUsedAt),
		formatTime(k.CreatedAt))
	return err
}

// GetAPIKeyByHash looks up a key by its exact hash, the only supported
// lookup path. Returns *errs.NotFound if absent.
func (d *DB) GetAPIKeyByHash(hash string) (*APIKey, error) {
	row := d.db.QueryRow(`
		SELECT id, hash, public_prefix, scopes, expires_at, revoked_at, last_used_at, created_at
		FROM api_keys WHERE hash = ?
	`, hash)
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, &errs.NotFound{Kind: "api_key", ID: hash}
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// TouchLastUsed best-effort updates last_used_at; failures are not fatal
// to the caller's request, per spec §3 ("validation updates last_used_at
// best-effort").
func (d *DB) TouchLastUsed(id string) error {
	_, err := d.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), id)
	return err
}

// RevokeAPIKey marks a key revoked as of now.
func (d *DB) RevokeAPIKey(id string) error {
	res, err := d.db.Exec(`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errs.NotFound{Kind: "api_key", ID: id}
	}
	return nil
}

// Active reports whether the key is currently usable: not revoked and
// (if ExpiresAt is set) not yet expired.
func (k *APIKey) Active(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// HasScope reports whether the key authorizes verb, honoring the "*"
// wildcard scope.
func (k *APIKey) HasScope(verb string) bool {
	for _, s := range k.Scopes {
		if s == "*" || s == verb {
			return true
		}
	}
	return false
}

func scanAPIKey(row *sql.Row) (*APIKey, error) {
	var k APIKey
	var scopesJSON, createdAt string
	var expiresAt, revokedAt, lastUsedAt sql.NullString

	err := row.Scan(&k.ID, &k.Hash, &k.PublicPrefix, &scopesJSON, &expiresAt, &revokedAt, &lastUsedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopesJSON), &k.Scopes); err != nil {
		return nil, err
	}
	k.ExpiresAt = parseNullableTime(expiresAt)
	k.RevokedAt = parseNullableTime(revokedAt)
	k.LastUsedAt = parseNullableTime(lastUsedAt)
	k.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
