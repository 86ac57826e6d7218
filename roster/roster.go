// Package roster is the canonical per-group member ledger plus the group metadata
// rows it hangs off. All mutations run inside the caller's transaction.
package roster

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cord-im/go-cord/clock"
	"github.com/cord-im/go-cord/config"
	"github.com/cord-im/go-cord/internal/db"
	"github.com/cord-im/go-cord/migration"
	"go.uber.org/zap"
)

const (
	// member roles
	RoleStandard = 0
	RoleZombie   = 1
	RoleAdmin    = 2

	// role delivery status
	StatusPending  = 0
	StatusSending  = 1
	StatusAccepted = 2
	StatusFailed   = 3
)

type Group struct {
	ID                string `db:"id"`
	Name              string `db:"name"`
	Description       string `db:"description"`
	DisplayPictureURL string `db:"display_picture_url"`
	FormationAtMs     uint64 `db:"formation_at_ms"`
	FoundingAdmin     string `db:"founding_admin"`
	ShouldPoll        bool   `db:"should_poll"`
	Invited           bool   `db:"invited"`
	ExpirationTimerMs uint64 `db:"expiration_timer_ms"`
}

type Member struct {
	GroupID    string `db:"group_id"`
	ProfileID  string `db:"profile_id"`
	Role       int    `db:"role"`
	RoleStatus int    `db:"role_status"`
	IsHidden   bool   `db:"is_hidden"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_roster", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _groups (
						id STRING PRIMARY KEY,
						name STRING NOT NULL,
						description STRING NOT NULL DEFAULT '',
						display_picture_url STRING NOT NULL DEFAULT '',
						formation_at_ms INTEGER NOT NULL,
						founding_admin STRING NOT NULL,
						should_poll INTEGER NOT NULL DEFAULT 0,
						invited INTEGER NOT NULL DEFAULT 0,
						expiration_timer_ms INTEGER NOT NULL DEFAULT 0
					);

					CREATE TABLE _group_members (
						group_id STRING NOT NULL,
						profile_id STRING NOT NULL,
						role INTEGER NOT NULL DEFAULT 0,
						role_status INTEGER NOT NULL DEFAULT 2,
						is_hidden INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (group_id, profile_id),
						FOREIGN KEY (group_id) REFERENCES _groups(id) ON DELETE CASCADE
					);
					CREATE INDEX group_members_role_idx on _group_members (group_id, role);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

type Ledger struct {
	log   *zap.SugaredLogger
	clock clock.Clock
	db    *database
}

func NewLedger(c *config.Config, internalDB *db.Database, cl clock.Clock) (*Ledger, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("roster: error making ledger: %w", err)
	}
	return &Ledger{
		log:   c.Logger("roster"),
		clock: cl,
		db:    d,
	}, nil
}

func (l *Ledger) CreateGroup(g *Group) error {
	if g.FormationAtMs == 0 {
		g.FormationAtMs = l.clock.CurrentTimeMs()
	}
	_, err := l.db.Tx.NamedExec(`
		INSERT INTO _groups (id, name, description, display_picture_url, formation_at_ms, founding_admin, should_poll, invited, expiration_timer_ms)
		VALUES (:id, :name, :description, :display_picture_url, :formation_at_ms, :founding_admin, :should_poll, :invited, :expiration_timer_ms)`, g)
	return err
}

// Group returns the group row, or nil if the group is unknown locally.
func (l *Ledger) Group(id string) (*Group, error) {
	g := &Group{}
	err := l.db.Tx.Get(g, "SELECT * FROM _groups WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (l *Ledger) Groups() ([]*Group, error) {
	groups := make([]*Group, 0)
	if err := l.db.Tx.Select(&groups, "SELECT * FROM _groups ORDER BY formation_at_ms"); err != nil {
		return nil, err
	}
	return groups, nil
}

func (l *Ledger) UpdateName(id, name string) error {
	_, err := l.db.Tx.Exec("UPDATE _groups SET name = ? WHERE id = ?", name, id)
	return err
}

func (l *Ledger) UpdateDescription(id, description string) error {
	_, err := l.db.Tx.Exec("UPDATE _groups SET description = ? WHERE id = ?", description, id)
	return err
}

func (l *Ledger) UpdateDisplayPicture(id, url string) error {
	_, err := l.db.Tx.Exec("UPDATE _groups SET display_picture_url = ? WHERE id = ?", url, id)
	return err
}

func (l *Ledger) SetShouldPoll(id string, shouldPoll bool) error {
	_, err := l.db.Tx.Exec("UPDATE _groups SET should_poll = ? WHERE id = ?", shouldPoll, id)
	return err
}

func (l *Ledger) SetExpirationTimer(id string, timerMs uint64) error {
	_, err := l.db.Tx.Exec("UPDATE _groups SET expiration_timer_ms = ? WHERE id = ?", timerMs, id)
	return err
}

// DestroyGroup deletes the group row; member rows cascade.
func (l *Ledger) DestroyGroup(id string) error {
	_, err := l.db.Tx.Exec("DELETE FROM _groups WHERE id = ?", id)
	return err
}

// Upsert inserts or updates a member keyed by (groupID, profileID). Updates touch
// only role, role status and hidden flag.
func (l *Ledger) Upsert(m *Member) error {
	_, err := l.db.Tx.NamedExec(`
		INSERT INTO _group_members (group_id, profile_id, role, role_status, is_hidden)
		VALUES (:group_id, :profile_id, :role, :role_status, :is_hidden)
		ON CONFLICT (group_id, profile_id) DO UPDATE SET
			role = excluded.role,
			role_status = excluded.role_status,
			is_hidden = excluded.is_hidden`, m)
	return err
}

// SetRoleStatus updates just the delivery status of an existing member row.
func (l *Ledger) SetRoleStatus(groupID, profileID string, status int) error {
	_, err := l.db.Tx.Exec(
		"UPDATE _group_members SET role_status = ? WHERE group_id = ? AND profile_id = ?",
		status, groupID, profileID)
	return err
}

// Remove deletes matching member rows. Removing absent members is a no-op.
func (l *Ledger) Remove(groupID string, profileIDs []string) error {
	for _, profileID := range profileIDs {
		if _, err := l.db.Tx.Exec(
			"DELETE FROM _group_members WHERE group_id = ? AND profile_id = ?",
			groupID, profileID); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) Member(groupID, profileID string) (*Member, error) {
	m := &Member{}
	err := l.db.Tx.Get(m, "SELECT * FROM _group_members WHERE group_id = ? AND profile_id = ?", groupID, profileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (l *Ledger) Members(groupID string) ([]*Member, error) {
	members := make([]*Member, 0)
	if err := l.db.Tx.Select(&members,
		"SELECT * FROM _group_members WHERE group_id = ? ORDER BY profile_id", groupID); err != nil {
		return nil, err
	}
	return members, nil
}

func (l *Ledger) MembersWithRole(groupID string, role int) ([]*Member, error) {
	members := make([]*Member, 0)
	if err := l.db.Tx.Select(&members,
		"SELECT * FROM _group_members WHERE group_id = ? AND role = ? ORDER BY profile_id", groupID, role); err != nil {
		return nil, err
	}
	return members, nil
}

// IsMember reports whether profileID is a current member. Zombies are tombstones
// and carry no authority.
func (l *Ledger) IsMember(groupID, profileID string) (bool, error) {
	var count int
	if err := l.db.Tx.Get(&count,
		"SELECT count(*) FROM _group_members WHERE group_id = ? AND profile_id = ? AND role != ?",
		groupID, profileID, RoleZombie); err != nil {
		return false, err
	}
	return count != 0, nil
}

// IsAdmin reports whether profileID holds admin authority: an admin-role member,
// or the group's founding admin while still a member.
func (l *Ledger) IsAdmin(groupID, profileID string) (bool, error) {
	m, err := l.Member(groupID, profileID)
	if err != nil {
		return false, err
	}
	if m == nil || m.Role == RoleZombie {
		return false, nil
	}
	if m.Role == RoleAdmin {
		return true, nil
	}
	g, err := l.Group(groupID)
	if err != nil {
		return false, err
	}
	return g != nil && g.FoundingAdmin == profileID, nil
}

// Admins returns every member holding admin authority, founding admin included.
func (l *Ledger) Admins(groupID string) ([]string, error) {
	g, err := l.Group(groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, nil
	}
	adminIDs := make([]string, 0)
	members, err := l.Members(groupID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.Role == RoleZombie {
			continue
		}
		if m.Role == RoleAdmin || m.ProfileID == g.FoundingAdmin {
			adminIDs = append(adminIDs, m.ProfileID)
		}
	}
	return adminIDs, nil
}

// ActiveMemberCount counts members excluding zombies.
func (l *Ledger) ActiveMemberCount(groupID string) (int, error) {
	var count int
	if err := l.db.Tx.Get(&count,
		"SELECT count(*) FROM _group_members WHERE group_id = ? AND role != ?",
		groupID, RoleZombie); err != nil {
		return 0, err
	}
	return count, nil
}
