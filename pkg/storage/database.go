package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/atlasworld/atlasnet/pkg/network"
)

var (
	// ErrNotFound matches network.ErrUnknownPeer so that the handshake
	// refuses unknown ids as unauthorized
	ErrNotFound = fmt.Errorf("key not found: %w", network.ErrUnknownPeer)
	// ErrBlacklisted matches network.ErrBlacklisted
	ErrBlacklisted = fmt.Errorf("key blacklisted: %w", network.ErrBlacklisted)
	ErrInvalidKey  = errors.New("invalid public key")
)

// KeyStore keeps the public keys of trusted peers in a sqlite database
type KeyStore struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// Open opens or creates the key store at path
func Open(path string, logger logrus.FieldLogger) (*KeyStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	ks := &KeyStore{
		db:  db,
		log: logger.WithField("component", "keystore"),
	}

	if err := ks.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return ks, nil
}

// initSchema creates database tables
func (ks *KeyStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trusted_keys (
		id TEXT PRIMARY KEY,
		public_key BLOB,
		fingerprint TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		blacklisted INTEGER NOT NULL DEFAULT 0,
		added_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_trusted_keys_fingerprint ON trusted_keys(fingerprint);
	`

	if _, err := ks.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (ks *KeyStore) Close() error {
	return ks.db.Close()
}
