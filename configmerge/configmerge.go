// Package configmerge implements the last-writer-wins staleness gate for merged
// configuration state. It is not a field-level merge; it is the single coarse
// filter every mutation driven by gossiped config must pass, so out-of-order or
// duplicate deliveries cannot roll local state backwards.
package configmerge

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cord-im/go-cord/config"
	"github.com/cord-im/go-cord/internal/db"
	"github.com/cord-im/go-cord/migration"
	"go.uber.org/zap"
)

// Namespace buckets the gate per category of state. The numbering follows the
// config service's namespace enum.
type Namespace int16

const (
	NamespaceUserProfile Namespace = 2
	NamespaceContacts    Namespace = 3
	NamespaceUserGroups  Namespace = 5
)

func (n Namespace) String() string {
	switch n {
	case NamespaceUserProfile:
		return "userProfile"
	case NamespaceContacts:
		return "contacts"
	case NamespaceUserGroups:
		return "userGroups"
	default:
		return fmt.Sprintf("namespace(%d)", int16(n))
	}
}

type lastChange struct {
	ThreadID    string `db:"thread_id"`
	Namespace   int16  `db:"namespace"`
	TimestampMs uint64 `db:"timestamp_ms"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_configmerge", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _config_last_change (
						thread_id STRING NOT NULL,
						namespace INTEGER NOT NULL,
						timestamp_ms INTEGER NOT NULL,
						PRIMARY KEY (thread_id, namespace)
					);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

type Engine struct {
	log *zap.SugaredLogger
	db  *database
}

func NewEngine(c *config.Config, internalDB *db.Database) (*Engine, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("configmerge: error making engine: %w", err)
	}
	return &Engine{
		log: c.Logger("configmerge"),
		db:  d,
	}, nil
}

// CanPerformChange reports whether a change stamped changeTimestampMs is current
// for the (threadID, namespace) pair: true unless it is strictly older than the
// last recorded authoritative timestamp.
func (e *Engine) CanPerformChange(threadID string, ns Namespace, changeTimestampMs uint64) (bool, error) {
	last, err := e.lastTimestamp(threadID, ns)
	if err != nil {
		return false, err
	}
	if changeTimestampMs < last {
		e.log.Debugf("rejecting stale %s change for %s: %d < %d", ns, threadID, changeTimestampMs, last)
		return false, nil
	}
	return true, nil
}

// MarkChange records changeTimestampMs as the last-known-good timestamp for the
// pair. The gate is monotonic: marking never lowers the recorded timestamp.
func (e *Engine) MarkChange(threadID string, ns Namespace, changeTimestampMs uint64) error {
	_, err := e.db.Tx.Exec(`
		INSERT INTO _config_last_change (thread_id, namespace, timestamp_ms)
		VALUES (?, ?, ?)
		ON CONFLICT (thread_id, namespace) DO UPDATE SET
			timestamp_ms = max(timestamp_ms, excluded.timestamp_ms)`,
		threadID, int16(ns), changeTimestampMs)
	return err
}

// Apply combines the gate and the mark: when the change is current it records the
// timestamp and runs the mutation. The info record a caller owes the user is not
// Apply's concern and must be inserted regardless of the returned flag.
func (e *Engine) Apply(threadID string, ns Namespace, changeTimestampMs uint64, mutate func() error) (bool, error) {
	ok, err := e.CanPerformChange(threadID, ns, changeTimestampMs)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := e.MarkChange(threadID, ns, changeTimestampMs); err != nil {
		return false, err
	}
	return true, mutate()
}

// Forget drops the recorded timestamps for a thread, as part of a full group-data wipe.
func (e *Engine) Forget(threadID string) error {
	_, err := e.db.Tx.Exec("DELETE FROM _config_last_change WHERE thread_id = ?", threadID)
	return err
}

func (e *Engine) lastTimestamp(threadID string, ns Namespace) (uint64, error) {
	row := lastChange{}
	err := e.db.Tx.Get(&row,
		"SELECT * FROM _config_last_change WHERE thread_id = ? AND namespace = ?",
		threadID, int16(ns))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.TimestampMs, nil
}
