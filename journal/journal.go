// Package journal records the human-readable info entries a conversation shows for
// group-affecting events. An entry is written for every received or locally-initiated
// control event in the same transaction as its side effects, including events whose
// side effects were suppressed as stale, so observability never silently diverges
// from applied state.
package journal

import (
	"database/sql"
	"fmt"

	"github.com/cord-im/go-cord/clock"
	"github.com/cord-im/go-cord/config"
	"github.com/cord-im/go-cord/internal/db"
	"github.com/cord-im/go-cord/migration"
	"go.uber.org/zap"
)

const (
	VariantGroupCreated = iota + 1
	VariantGroupUpdated
	VariantMembersAdded
	VariantMembersRemoved
	VariantMemberPromoted
	VariantMemberLeft
	VariantGroupLeaving
	VariantGroupDisbanded
)

type Interaction struct {
	ID          int64  `db:"id"`
	ThreadID    string `db:"thread_id"`
	AuthorID    string `db:"author_id"`
	Variant     int    `db:"variant"`
	Body        string `db:"body"`
	TimestampMs uint64 `db:"timestamp_ms"`
	Applied     bool   `db:"applied"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_journal", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _interactions (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						thread_id STRING NOT NULL,
						author_id STRING NOT NULL,
						variant INTEGER NOT NULL,
						body STRING NOT NULL,
						timestamp_ms INTEGER NOT NULL,
						applied INTEGER NOT NULL DEFAULT 1
					);
					CREATE INDEX interactions_thread_id_idx on _interactions (thread_id, timestamp_ms);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

type Journal struct {
	log   *zap.SugaredLogger
	clock clock.Clock
	db    *database
}

func NewJournal(c *config.Config, internalDB *db.Database, cl clock.Clock) (*Journal, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("journal: error making journal: %w", err)
	}
	return &Journal{
		log:   c.Logger("journal"),
		clock: cl,
		db:    d,
	}, nil
}

// Record inserts one info entry. Applied marks whether the event's side effects
// actually ran; a suppressed event still gets its row.
func (j *Journal) Record(threadID, authorID string, variant int, body string, timestampMs uint64, applied bool) error {
	if timestampMs == 0 {
		timestampMs = j.clock.CurrentTimeMs()
	}
	_, err := j.db.Tx.Exec(`
		INSERT INTO _interactions (thread_id, author_id, variant, body, timestamp_ms, applied)
		VALUES (?, ?, ?, ?, ?, ?)`,
		threadID, authorID, variant, body, timestampMs, applied)
	return err
}

func (j *Journal) ForThread(threadID string) ([]*Interaction, error) {
	rows := make([]*Interaction, 0)
	if err := j.db.Tx.Select(&rows,
		"SELECT * FROM _interactions WHERE thread_id = ? ORDER BY timestamp_ms, id", threadID); err != nil {
		return nil, err
	}
	return rows, nil
}

func (j *Journal) CountForThread(threadID string) (int, error) {
	var count int
	if err := j.db.Tx.Get(&count,
		"SELECT count(*) FROM _interactions WHERE thread_id = ?", threadID); err != nil {
		return 0, err
	}
	return count, nil
}

// WipeAuthor removes one author's entries from a thread. Used when a member is
// removed with their messages.
func (j *Journal) WipeAuthor(threadID, authorID string) error {
	_, err := j.db.Tx.Exec("DELETE FROM _interactions WHERE thread_id = ? AND author_id = ?", threadID, authorID)
	return err
}

// WipeThread removes a thread's entries as part of a full group-data wipe.
func (j *Journal) WipeThread(threadID string) error {
	_, err := j.db.Tx.Exec("DELETE FROM _interactions WHERE thread_id = ?", threadID)
	return err
}
