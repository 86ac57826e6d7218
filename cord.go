// This package provides a high-level interface to the cord group engine. It manages
// the encrypted local database, the local identity key pair, and the subsystems that
// keep group state synchronized: the membership ledger, the key store, the config
// merge gate, the control-message processor and the command coordinator.
package cord

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/cord-im/go-cord/clock"
	"github.com/cord-im/go-cord/config"
	"github.com/cord-im/go-cord/configmerge"
	"github.com/cord-im/go-cord/control"
	"github.com/cord-im/go-cord/coordinator"
	"github.com/cord-im/go-cord/crypto"
	"github.com/cord-im/go-cord/ids"
	"github.com/cord-im/go-cord/internal/db"
	"github.com/cord-im/go-cord/jobs"
	"github.com/cord-im/go-cord/journal"
	"github.com/cord-im/go-cord/keystore"
	"github.com/cord-im/go-cord/migration"
	"github.com/cord-im/go-cord/poller"
	"github.com/cord-im/go-cord/roster"
	"github.com/cord-im/go-cord/transport"
	"github.com/cord-im/go-cord/transport/local"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosing
	StateClosed
)

// An event indicating a change in the state of cord.
type AppState struct {
	State int
}

// An event indicating a change in a group.
type GroupUpdate struct {
	ID          string
	Name        string
	MemberCount int
	AdminCount  int
}

// Collaborators are the network-facing dependencies cord drives. Any nil field is
// replaced with an in-memory implementation, which is what tests and
// single-process embedding want.
type Collaborators struct {
	Sender        transport.Sender
	Push          transport.PushRegistrar
	ConfigService transport.ConfigService
	Uploader      transport.Uploader
	Fetch         poller.FetchFunc
}

type Cord struct {
	DB *db.Database

	config      *config.Config
	log         *zap.SugaredLogger
	clock       clock.Clock
	state       int
	updates     chan interface{}
	col         *Collaborators
	localID     string
	localSecret []byte

	keys        *keystore.Store
	roster      *roster.Ledger
	merge       *configmerge.Engine
	journal     *journal.Journal
	jobs        *jobs.Runner
	poller      *poller.Manager
	control     *control.Processor
	coordinator *coordinator.Coordinator
}

// Create a cord instance. The database is created but not decrypted; call
// Initialize on a fresh instance or Open on an existing one.
func NewCord(c *config.Config, col *Collaborators) (*Cord, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making cord, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}

	if col == nil {
		col = &Collaborators{}
	}
	if col.Sender == nil {
		col.Sender = local.NewSender()
	}
	if col.Push == nil {
		col.Push = local.NewPushRegistrar()
	}
	if col.ConfigService == nil {
		col.ConfigService = local.NewConfigService()
	}
	if col.Uploader == nil {
		col.Uploader = local.NewUploader()
	}
	if col.Fetch == nil {
		col.Fetch = func(groupID string) error { return nil }
	}

	return &Cord{
		DB:      d,
		config:  c,
		log:     log,
		clock:   clock.NewSystemClock(),
		state:   state,
		updates: make(chan interface{}, 100),
		col:     col,
	}, nil
}

// Gets various updates which must be dealt with. This will produce *AppState and
// *GroupUpdate values.
func (s *Cord) Updates() chan interface{} {
	return s.updates
}

// Returns true if cord is in NEW state.
func (s *Cord) New() bool {
	return s.state == StateNew
}

// Returns true if cord is in INITIALIZED state.
func (s *Cord) Initialized() bool {
	return s.state == StateInitialized
}

// Returns true if cord is in RUNNING state.
func (s *Cord) Running() bool {
	return s.state == StateRunning
}

// LocalID is the session id of the local user. Empty until opened.
func (s *Cord) LocalID() string {
	return s.localID
}

// Initialize cord with a given key.
func (s *Cord) Initialize(key []byte) error {
	if s.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := s.DB.Initialize(key); err != nil {
		return err
	}
	s.setState(StateInitialized)
	return s.Open(key)
}

// Open an existing cord with a given key.
func (s *Cord) Open(key []byte) error {
	if s.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := s.DB.Open(key); err != nil {
		return err
	}

	if err := s.DB.Migrate("_cord", []*migration.Migration{
		{
			Name: "create identity table",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _identity (
						id INTEGER PRIMARY KEY CHECK (id = 1),
						public_key BLOB NOT NULL,
						secret_key BLOB NOT NULL
					);
					`)
				return err
			},
		},
	}); err != nil {
		return err
	}

	if err := s.loadIdentity(); err != nil {
		return err
	}

	if err := s.DB.Lock("initializing subsystems", func() error {
		keys, err := keystore.NewStore(s.config, s.DB, s.clock)
		if err != nil {
			return err
		}
		s.keys = keys
		ledger, err := roster.NewLedger(s.config, s.DB, s.clock)
		if err != nil {
			return err
		}
		s.roster = ledger
		merge, err := configmerge.NewEngine(s.config, s.DB)
		if err != nil {
			return err
		}
		s.merge = merge
		jrnl, err := journal.NewJournal(s.config, s.DB, s.clock)
		if err != nil {
			return err
		}
		s.journal = jrnl
		runner, err := jobs.NewRunner(s.config, s.DB, s.clock)
		if err != nil {
			return err
		}
		s.jobs = runner
		return nil
	}); err != nil {
		return err
	}

	s.poller = poller.NewManager(s.config, s.col.Fetch)
	s.control = control.NewProcessor(
		s.config, s.DB, s.clock, s.keys, s.roster, s.merge, s.journal, s.jobs,
		s.col.Push, s.poller, s.localID, s.localSecret)
	s.coordinator = coordinator.NewCoordinator(
		s.config, s.DB, s.clock, s.keys, s.roster, s.merge, s.journal, s.jobs,
		s.col.Sender, s.col.Push, s.col.ConfigService, s.col.Uploader, s.poller, s.localID)

	if err := s.jobs.Start(); err != nil {
		return err
	}
	if err := s.resumePolling(); err != nil {
		return err
	}

	s.setState(StateRunning)
	return nil
}

// Gracefully stop a running cord instance.
func (s *Cord) Shutdown() error {
	if s.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()
	s.setState(StateClosing)

	errs := make([]string, 0)
	if err := s.jobs.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	s.poller.Shutdown()
	if err := s.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	s.jobs = nil
	s.poller = nil
	s.control = nil
	s.coordinator = nil

	s.setState(StateInitialized)

	close(s.updates)
	s.updates = make(chan interface{}, 100)
	return nil
}

// ProcessIncomingMessage feeds one received control message into the engine.
// Malformed input is dropped without error.
func (s *Cord) ProcessIncomingMessage(body []byte) error {
	if s.state != StateRunning {
		return errors.New("cannot process messages unless running")
	}
	if err := s.control.HandleEncoded(body); err != nil {
		return err
	}
	s.emitAllGroupUpdates()
	return nil
}

// Create a new group with the given members.
func (s *Cord) CreateGroup(name, description string, displayPicture []byte, members []string) (*roster.Group, error) {
	group, err := s.coordinator.CreateGroup(name, description, displayPicture, members)
	if err != nil {
		return nil, err
	}
	s.emitGroupUpdate(group.ID)
	return group, nil
}

// UpdateGroupRequest carries the fields a group update may change.
type UpdateGroupRequest = coordinator.UpdateGroupRequest

// Update a group's name, description or display picture.
func (s *Cord) UpdateGroup(groupID string, req *UpdateGroupRequest) error {
	if err := s.coordinator.UpdateGroup(groupID, req); err != nil {
		return err
	}
	s.emitGroupUpdate(groupID)
	return nil
}

// Add members to a group.
func (s *Cord) AddGroupMembers(groupID string, members []string, allowAccessToHistoricMessages bool) error {
	if err := s.coordinator.AddGroupMembers(groupID, members, allowAccessToHistoricMessages); err != nil {
		return err
	}
	s.emitGroupUpdate(groupID)
	return nil
}

// Remove members from a group.
func (s *Cord) RemoveGroupMembers(groupID string, memberIDs []string, removeTheirMessages, sendMemberChangedMessage bool) error {
	if err := s.coordinator.RemoveGroupMembers(groupID, memberIDs, removeTheirMessages, sendMemberChangedMessage); err != nil {
		return err
	}
	s.emitGroupUpdate(groupID)
	return nil
}

// Promote members to admin.
func (s *Cord) PromoteGroupMembers(groupID string, memberIDs []string, sendAdminChangedMessage bool) error {
	if err := s.coordinator.PromoteGroupMembers(groupID, memberIDs, sendAdminChangedMessage); err != nil {
		return err
	}
	s.emitGroupUpdate(groupID)
	return nil
}

// Resend an invitation to a member whose invite failed or went unanswered.
func (s *Cord) ResendInvitation(groupID, memberID string) error {
	return s.coordinator.ResendInvitation(groupID, memberID)
}

// Leave a group, wiping all its local data once the departure is announced.
func (s *Cord) LeaveGroup(groupID string) error {
	return s.coordinator.Leave(groupID)
}

// Groups lists all known groups.
func (s *Cord) Groups() ([]*roster.Group, error) {
	var groups []*roster.Group
	return groups, s.DB.Run("list groups", func() error {
		var err error
		groups, err = s.roster.Groups()
		return err
	})
}

// Group fetches one group, or nil if it is unknown.
func (s *Cord) Group(groupID string) (*roster.Group, error) {
	var group *roster.Group
	return group, s.DB.Run("get group", func() error {
		var err error
		group, err = s.roster.Group(groupID)
		return err
	})
}

// GroupMembers lists a group's roster, zombies included.
func (s *Cord) GroupMembers(groupID string) ([]*roster.Member, error) {
	var members []*roster.Member
	return members, s.DB.Run("list members", func() error {
		var err error
		members, err = s.roster.Members(groupID)
		return err
	})
}

// GroupInteractions lists the info entries recorded for a group.
func (s *Cord) GroupInteractions(groupID string) ([]*journal.Interaction, error) {
	var entries []*journal.Interaction
	return entries, s.DB.Run("list interactions", func() error {
		var err error
		entries, err = s.journal.ForThread(groupID)
		return err
	})
}

// DrainJobs runs queued jobs until none remain runnable.
func (s *Cord) DrainJobs() error {
	return s.jobs.Drain()
}

func (s *Cord) setState(state int) {
	s.state = state
	select {
	case s.updates <- &AppState{State: state}:
	default:
		s.log.Warnf("dropping app state update %d", state)
	}
}

func (s *Cord) emitGroupUpdate(groupID string) {
	var update *GroupUpdate
	if err := s.DB.Run("group update", func() error {
		group, err := s.roster.Group(groupID)
		if err != nil || group == nil {
			return err
		}
		count, err := s.roster.ActiveMemberCount(groupID)
		if err != nil {
			return err
		}
		admins, err := s.roster.Admins(groupID)
		if err != nil {
			return err
		}
		update = &GroupUpdate{
			ID:          group.ID,
			Name:        group.Name,
			MemberCount: count,
			AdminCount:  len(admins),
		}
		return nil
	}); err != nil {
		s.log.Warnf("error building group update for %s: %#v", groupID, err)
		return
	}
	if update == nil {
		return
	}
	select {
	case s.updates <- update:
	default:
		s.log.Warnf("dropping group update for %s", groupID)
	}
}

func (s *Cord) emitAllGroupUpdates() {
	groups, err := s.Groups()
	if err != nil {
		s.log.Warnf("error listing groups for updates: %#v", err)
		return
	}
	for _, g := range groups {
		s.emitGroupUpdate(g.ID)
	}
}

// loadIdentity reads the local key pair, generating one on first open.
func (s *Cord) loadIdentity() error {
	return s.DB.Run("load identity", func() error {
		row := struct {
			ID        int64  `db:"id"`
			PublicKey []byte `db:"public_key"`
			SecretKey []byte `db:"secret_key"`
		}{}
		err := s.DB.Tx.Get(&row, "SELECT * FROM _identity WHERE id = 1")
		if err == nil {
			s.localID = ids.FromPublicKey(row.PublicKey)
			s.localSecret = row.SecretKey
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		pair, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		if _, err := s.DB.Tx.Exec(
			"INSERT INTO _identity (id, public_key, secret_key) VALUES (1, ?, ?)",
			pair.PublicKey, pair.SecretKey); err != nil {
			return err
		}
		s.localID = ids.FromPublicKey(pair.PublicKey)
		s.localSecret = pair.SecretKey
		return nil
	})
}

// resumePolling restarts pollers for every group flagged for polling.
func (s *Cord) resumePolling() error {
	return s.DB.Run("resume polling", func() error {
		groups, err := s.roster.Groups()
		if err != nil {
			return err
		}
		groupIDs := make([]string, 0, len(groups))
		for _, g := range groups {
			if g.ShouldPoll {
				groupIDs = append(groupIDs, g.ID)
			}
		}
		if len(groupIDs) == 0 {
			return nil
		}
		s.DB.AfterCommit(func() {
			for _, id := range groupIDs {
				s.poller.Start(id)
			}
			if err := s.col.Push.Subscribe(groupIDs); err != nil {
				s.log.Warnf("error subscribing push: %#v", err)
			}
		})
		return nil
	})
}
