// Package keystore persists group encryption key pairs. The log is append-only and
// deduplicated by a content hash; old key pairs are retained so historical messages
// stay decryptable after a rotation.
package keystore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cord-im/go-cord/clock"
	"github.com/cord-im/go-cord/config"
	"github.com/cord-im/go-cord/crypto"
	"github.com/cord-im/go-cord/internal/db"
	"github.com/cord-im/go-cord/migration"
	"go.uber.org/zap"
)

type KeyPair struct {
	ThreadID     string `db:"thread_id"`
	PublicKey    []byte `db:"public_key"`
	SecretKey    []byte `db:"secret_key"`
	ReceivedAtMs uint64 `db:"received_at_ms"`
	Hash         string `db:"hash"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_keystore", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _group_key_pairs (
						thread_id STRING NOT NULL,
						public_key BLOB NOT NULL,
						secret_key BLOB NOT NULL,
						received_at_ms INTEGER NOT NULL,
						hash STRING NOT NULL PRIMARY KEY
					);
					CREATE INDEX group_key_pairs_thread_id_idx on _group_key_pairs (thread_id, received_at_ms);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

type Store struct {
	log   *zap.SugaredLogger
	clock clock.Clock
	db    *database
}

func NewStore(c *config.Config, internalDB *db.Database, cl clock.Clock) (*Store, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("keystore: error making store: %w", err)
	}
	return &Store{
		log:   c.Logger("keystore"),
		clock: cl,
		db:    d,
	}, nil
}

// InsertIfAbsent stores a key pair unless one with the same content hash already
// exists. Duplicate inserts are benign; the return value reports whether a row
// was actually written.
func (s *Store) InsertIfAbsent(pair *KeyPair) (bool, error) {
	if pair.Hash == "" {
		pair.Hash = crypto.KeyPairHash(pair.ThreadID, pair.PublicKey, pair.SecretKey)
	}
	var count int
	if err := s.db.Tx.Get(&count, "SELECT count(*) FROM _group_key_pairs WHERE hash = ?", pair.Hash); err != nil {
		return false, err
	}
	if count != 0 {
		s.log.Debugf("skipping duplicate key pair for %s", pair.ThreadID)
		return false, nil
	}
	if pair.ReceivedAtMs == 0 {
		pair.ReceivedAtMs = s.clock.CurrentTimeMs()
	}
	_, err := s.db.Tx.NamedExec(`
		INSERT INTO _group_key_pairs (thread_id, public_key, secret_key, received_at_ms, hash)
		VALUES (:thread_id, :public_key, :secret_key, :received_at_ms, :hash)`, pair)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Latest returns the most-recently-received key pair for a group, or nil if the
// group has none.
func (s *Store) Latest(threadID string) (*KeyPair, error) {
	pair := &KeyPair{}
	err := s.db.Tx.Get(pair, `
		SELECT * FROM _group_key_pairs WHERE thread_id = ?
		ORDER BY received_at_ms DESC, rowid DESC LIMIT 1`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// All returns every retained key pair for a group, oldest first.
func (s *Store) All(threadID string) ([]*KeyPair, error) {
	pairs := make([]*KeyPair, 0)
	if err := s.db.Tx.Select(&pairs, `
		SELECT * FROM _group_key_pairs WHERE thread_id = ?
		ORDER BY received_at_ms ASC, rowid ASC`, threadID); err != nil {
		return nil, err
	}
	return pairs, nil
}

// WipeGroup removes all key material for a group. Used only on full group-data wipe.
func (s *Store) WipeGroup(threadID string) error {
	_, err := s.db.Tx.Exec("DELETE FROM _group_key_pairs WHERE thread_id = ?", threadID)
	return err
}
