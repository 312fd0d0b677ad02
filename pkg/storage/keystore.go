package storage

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/atlasworld/atlasnet/pkg/crypto"
	"github.com/atlasworld/atlasnet/pkg/network"
)

// TrustedKey is a stored peer identity
type TrustedKey struct {
	ID          uuid.UUID
	PublicKey   *rsa.PublicKey // nil for an id blacklisted without a key
	Fingerprint string
	Label       string
	Blacklisted bool
	AddedAt     time.Time
	LastSeen    time.Time // zero until the peer first authenticates
}

var _ network.Authenticator = (*KeyStore)(nil)

// Trust binds id to key, replacing any previous key. A blacklisted id
// stays blacklisted until it is revoked.
func (ks *KeyStore) Trust(id uuid.UUID, key *rsa.PublicKey, label string) error {
	if key == nil {
		return ErrInvalidKey
	}

	der, err := crypto.ExportPublicKeyDER(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	fingerprint, err := crypto.KeyFingerprint(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	query := `
		INSERT INTO trusted_keys (id, public_key, fingerprint, label, blacklisted, added_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			public_key = excluded.public_key,
			fingerprint = excluded.fingerprint,
			label = excluded.label
		WHERE trusted_keys.blacklisted = 0
	`

	res, err := ks.db.Exec(query, id.String(), der, fingerprint, label, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrBlacklisted
	}

	ks.log.WithFields(logrus.Fields{
		"id":          id,
		"fingerprint": fingerprint[:16],
		"label":       label,
	}).Info("key trusted")
	return nil
}

// Revoke deletes id
func (ks *KeyStore) Revoke(id uuid.UUID) error {
	res, err := ks.db.Exec(`DELETE FROM trusted_keys WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	ks.log.WithField("id", id).Info("key revoked")
	return nil
}

// Blacklist marks id as refused. Unknown ids are recorded without a key.
func (ks *KeyStore) Blacklist(id uuid.UUID) error {
	query := `
		INSERT INTO trusted_keys (id, blacklisted, added_at)
		VALUES (?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET blacklisted = 1
	`

	if _, err := ks.db.Exec(query, id.String(), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to blacklist key: %w", err)
	}

	ks.log.WithField("id", id).Warn("key blacklisted")
	return nil
}

// Lookup returns the entry for id
func (ks *KeyStore) Lookup(id uuid.UUID) (*TrustedKey, error) {
	return ks.lookup(context.Background(), id)
}

func (ks *KeyStore) lookup(ctx context.Context, id uuid.UUID) (*TrustedKey, error) {
	query := `
		SELECT id, public_key, fingerprint, label, blacklisted, added_at, last_seen
		FROM trusted_keys WHERE id = ?
	`

	key, err := scanKey(ks.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// List returns every entry, oldest first
func (ks *KeyStore) List() ([]*TrustedKey, error) {
	query := `
		SELECT id, public_key, fingerprint, label, blacklisted, added_at, last_seen
		FROM trusted_keys
		ORDER BY added_at ASC, id ASC
	`

	rows, err := ks.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*TrustedKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// Touch records that id was seen now
func (ks *KeyStore) Touch(id uuid.UUID) error {
	res, err := ks.db.Exec(`UPDATE trusted_keys SET last_seen = ? WHERE id = ?`, time.Now().UnixMilli(), id.String())
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Authenticate returns the trusted key of id for the handshake
func (ks *KeyStore) Authenticate(ctx context.Context, _ *network.Connection, id uuid.UUID) (*rsa.PublicKey, error) {
	key, err := ks.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.Blacklisted {
		return nil, ErrBlacklisted
	}
	if key.PublicKey == nil {
		return nil, ErrNotFound
	}

	if err := ks.Touch(id); err != nil {
		ks.log.WithError(err).WithField("id", id).Debug("could not record last seen")
	}
	return key.PublicKey, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*TrustedKey, error) {
	var (
		key         TrustedKey
		id          string
		der         []byte
		blacklisted int
		addedAt     int64
		lastSeen    int64
	)

	if err := row.Scan(&id, &der, &key.Fingerprint, &key.Label, &blacklisted, &addedAt, &lastSeen); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt key id %q: %w", id, err)
	}
	key.ID = parsed

	if len(der) > 0 {
		key.PublicKey, err = crypto.ImportPublicKeyDER(der)
		if err != nil {
			return nil, fmt.Errorf("corrupt key for %s: %w", id, err)
		}
	}

	key.Blacklisted = intToBool(blacklisted)
	key.AddedAt = fromMillis(addedAt)
	key.LastSeen = fromMillis(lastSeen)
	return &key, nil
}
