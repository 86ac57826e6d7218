package control

import (
	"os"
	"testing"
	"time"

	"github.com/cord-im/go-cord/config"
	"github.com/cord-im/go-cord/configmerge"
	"github.com/cord-im/go-cord/crypto"
	"github.com/cord-im/go-cord/ids"
	"github.com/cord-im/go-cord/internal/db"
	"github.com/cord-im/go-cord/internal/test"
	"github.com/cord-im/go-cord/jobs"
	"github.com/cord-im/go-cord/journal"
	"github.com/cord-im/go-cord/keystore"
	"github.com/cord-im/go-cord/poller"
	"github.com/cord-im/go-cord/roster"
	"github.com/cord-im/go-cord/transport/local"
	"github.com/cord-im/go-cord/wire"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type manualClock struct {
	nowMs uint64
}

func (c *manualClock) CurrentTimeMs() uint64  { return c.nowMs }
func (c *manualClock) CurrentTimeSec() uint64 { return c.nowMs / 1000 }
func (c *manualClock) Now() time.Time         { return time.UnixMilli(int64(c.nowMs)) }

type fixture struct {
	p         *Processor
	db        *db.Database
	clock     *manualClock
	keys      *keystore.Store
	roster    *roster.Ledger
	merge     *configmerge.Engine
	journal   *journal.Journal
	jobs      *jobs.Runner
	push      *local.PushRegistrar
	poller    *poller.Manager
	localID   string
	localPair *crypto.KeyPair

	admin   string
	member1 string
	member2 string
}

func newFixture(t *testing.T) *fixture {
	c := config.NewConfig(config.WithLoggingPrefix("control-test"))
	d := test.NewTestDatabase(c)
	cl := &manualClock{nowMs: 1_000_000}

	keys, err := keystore.NewStore(c, d, cl)
	require.NoError(t, err)
	ledger, err := roster.NewLedger(c, d, cl)
	require.NoError(t, err)
	merge, err := configmerge.NewEngine(c, d)
	require.NoError(t, err)
	jrnl, err := journal.NewJournal(c, d, cl)
	require.NoError(t, err)
	runner, err := jobs.NewRunner(c, d, cl)
	require.NoError(t, err)
	runner.RegisterHandler(jobs.KindKeyDistribution, func(job *jobs.Job) error { return nil })

	push := local.NewPushRegistrar()
	pollers := poller.NewManager(c, func(groupID string) error { return nil })

	localPair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	localID := ids.FromPublicKey(localPair.PublicKey)

	p := NewProcessor(c, d, cl, keys, ledger, merge, jrnl, runner, push, pollers, localID, localPair.SecretKey)

	t.Cleanup(func() {
		pollers.Shutdown()
		require.NoError(t, d.Shutdown())
	})

	return &fixture{
		p:         p,
		db:        d,
		clock:     cl,
		keys:      keys,
		roster:    ledger,
		merge:     merge,
		journal:   jrnl,
		jobs:      runner,
		push:      push,
		poller:    pollers,
		localID:   localID,
		localPair: localPair,
		admin:     newID(t),
		member1:   newID(t),
		member2:   newID(t),
	}
}

func newID(t *testing.T) string {
	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return ids.FromPublicKey(pair.PublicKey)
}

// announce builds the group every test starts from: a remote founding admin, two
// other members and the local user.
func (f *fixture) announce(t *testing.T, sentAtMs uint64) (string, *crypto.KeyPair) {
	groupID := ids.NewGroupID()
	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:   f.admin,
		GroupID:  groupID,
		SentAtMs: sentAtMs,
		Kind:     wire.KindNew,
		New: &wire.NewGroup{
			Name:         "reading group",
			Members:      []string{f.admin, f.member1, f.member2, f.localID},
			Admins:       []string{f.admin},
			EncPublicKey: pair.PublicKey,
			EncSecretKey: pair.SecretKey,
		},
	}))
	return groupID, pair
}

func (f *fixture) run(t *testing.T, label string, fn func() error) {
	require.NoError(t, f.db.Run(label, fn))
}

func (f *fixture) group(t *testing.T, groupID string) *roster.Group {
	var g *roster.Group
	f.run(t, "group", func() error {
		var err error
		g, err = f.roster.Group(groupID)
		return err
	})
	return g
}

func (f *fixture) member(t *testing.T, groupID, profileID string) *roster.Member {
	var m *roster.Member
	f.run(t, "member", func() error {
		var err error
		m, err = f.roster.Member(groupID, profileID)
		return err
	})
	return m
}

func (f *fixture) entries(t *testing.T, groupID string) []*journal.Interaction {
	var out []*journal.Interaction
	f.run(t, "entries", func() error {
		var err error
		out, err = f.journal.ForThread(groupID)
		return err
	})
	return out
}

func (f *fixture) keyCount(t *testing.T, groupID string) int {
	var n int
	f.run(t, "count keys", func() error {
		pairs, err := f.keys.All(groupID)
		n = len(pairs)
		return err
	})
	return n
}

func TestNewGroupCreatesState(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	group := f.group(t, groupID)
	require.NotNil(t, group)
	require.Equal(t, "reading group", group.Name)
	require.Equal(t, f.admin, group.FoundingAdmin)
	require.Equal(t, uint64(1_000_000), group.FormationAtMs)

	require.Equal(t, roster.RoleAdmin, f.member(t, groupID, f.admin).Role)
	require.Equal(t, roster.RoleStandard, f.member(t, groupID, f.localID).Role)
	require.Equal(t, 1, f.keyCount(t, groupID))
	require.True(t, f.poller.Polling(groupID))
	require.True(t, f.push.Subscribed(groupID))

	entries := f.entries(t, groupID)
	require.Len(t, entries, 1)
	require.Equal(t, journal.VariantGroupCreated, entries[0].Variant)
	require.True(t, entries[0].Applied)
}

func TestStaleNewGroupKeepsKeyOnly(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	// an older announcement must not rewind the name, but its key is retained
	// for decrypt continuity
	oldPair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:   f.admin,
		GroupID:  groupID,
		SentAtMs: 999_000,
		Kind:     wire.KindNew,
		New: &wire.NewGroup{
			Name:         "old name",
			Members:      []string{f.admin},
			Admins:       []string{f.admin},
			EncPublicKey: oldPair.PublicKey,
			EncSecretKey: oldPair.SecretKey,
		},
	}))

	require.Equal(t, "reading group", f.group(t, groupID).Name)
	require.NotNil(t, f.member(t, groupID, f.member1))
	require.Equal(t, 2, f.keyCount(t, groupID))

	entries := f.entries(t, groupID)
	require.Len(t, entries, 2)
	require.False(t, entries[0].Applied) // sorted by timestamp, the stale one first
	require.True(t, entries[1].Applied)
}

func TestStaleNewGroupUnknownGroupIgnored(t *testing.T) {
	f := newFixture(t)
	groupID := ids.NewGroupID()
	f.run(t, "seed config timestamp", func() error {
		return f.merge.MarkChange(groupID, configmerge.NamespaceUserGroups, 1_000_000)
	})

	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:   f.admin,
		GroupID:  groupID,
		SentAtMs: 999_000,
		Kind:     wire.KindNew,
		New: &wire.NewGroup{
			Name:         "ghost",
			Members:      []string{f.admin},
			Admins:       []string{f.admin},
			EncPublicKey: pair.PublicKey,
			EncSecretKey: pair.SecretKey,
		},
	}))

	require.Nil(t, f.group(t, groupID))
	require.Equal(t, 0, f.keyCount(t, groupID))
	require.Empty(t, f.entries(t, groupID))
}

func TestNameChangeStalenessGate(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:     f.member1,
		GroupID:    groupID,
		SentAtMs:   1_002_000,
		Kind:       wire.KindNameChange,
		NameChange: &wire.NameChange{Name: "second"},
	}))
	require.Equal(t, "second", f.group(t, groupID).Name)

	// an older change arrives late: suppressed, but still journaled
	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:     f.member1,
		GroupID:    groupID,
		SentAtMs:   1_001_000,
		Kind:       wire.KindNameChange,
		NameChange: &wire.NameChange{Name: "first"},
	}))
	require.Equal(t, "second", f.group(t, groupID).Name)

	entries := f.entries(t, groupID)
	require.Len(t, entries, 3)
	require.Equal(t, journal.VariantGroupUpdated, entries[1].Variant)
	require.False(t, entries[1].Applied)
	require.True(t, entries[2].Applied)
}

func TestNameChangeFromNonMemberIgnored(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)
	outsider := newID(t)

	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:     outsider,
		GroupID:    groupID,
		SentAtMs:   1_002_000,
		Kind:       wire.KindNameChange,
		NameChange: &wire.NameChange{Name: "hijacked"},
	}))

	require.Equal(t, "reading group", f.group(t, groupID).Name)
	require.Len(t, f.entries(t, groupID), 1)
}

func TestMembersAddedByAdminLocalDistributesKey(t *testing.T) {
	f := newFixture(t)

	// local user is a (non-founding) admin here
	groupID := ids.NewGroupID()
	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:   f.admin,
		GroupID:  groupID,
		SentAtMs: 1_000_000,
		Kind:     wire.KindNew,
		New: &wire.NewGroup{
			Name:         "admins",
			Members:      []string{f.admin, f.localID},
			Admins:       []string{f.admin, f.localID},
			EncPublicKey: pair.PublicKey,
			EncSecretKey: pair.SecretKey,
		},
	}))

	newcomer := newID(t)
	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:       f.admin,
		GroupID:      groupID,
		SentAtMs:     1_001_000,
		Kind:         wire.KindMembersAdded,
		MembersAdded: &wire.MemberList{Members: []string{newcomer}},
	}))

	member := f.member(t, groupID, newcomer)
	require.NotNil(t, member)
	require.Equal(t, roster.RoleStandard, member.Role)
	require.Equal(t, roster.StatusAccepted, member.RoleStatus)

	// local admin re-sends the key in case the add raced a removal elsewhere
	f.run(t, "check jobs", func() error {
		queued, err := f.jobs.ForThread(groupID, jobs.KindKeyDistribution)
		require.NoError(t, err)
		require.Len(t, queued, 1)
		details := &jobs.KeyDistributionDetails{}
		require.NoError(t, queued[0].DecodeDetails(details))
		require.Equal(t, []string{newcomer}, details.MemberIDs)
		return nil
	})
}

func TestMembersAddedLocalNotAdminNoDistribution(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	newcomer := newID(t)
	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:       f.member1,
		GroupID:      groupID,
		SentAtMs:     1_001_000,
		Kind:         wire.KindMembersAdded,
		MembersAdded: &wire.MemberList{Members: []string{newcomer}},
	}))

	require.NotNil(t, f.member(t, groupID, newcomer))
	f.run(t, "check jobs", func() error {
		queued, err := f.jobs.ForThread(groupID, 0)
		require.NoError(t, err)
		require.Empty(t, queued)
		return nil
	})
}

func TestMembersRemovedRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:         f.member1,
		GroupID:        groupID,
		SentAtMs:       1_001_000,
		Kind:           wire.KindMembersRemoved,
		MembersRemoved: &wire.MemberList{Members: []string{f.member2}},
	}))

	require.NotNil(t, f.member(t, groupID, f.member2))
	require.Len(t, f.entries(t, groupID), 1)
}

func TestMembersRemovedNamingFoundingAdminInvalid(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	// the whole update is invalid, including the other named member
	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:         f.admin,
		GroupID:        groupID,
		SentAtMs:       1_001_000,
		Kind:           wire.KindMembersRemoved,
		MembersRemoved: &wire.MemberList{Members: []string{f.admin, f.member1}},
	}))

	require.NotNil(t, f.member(t, groupID, f.admin))
	require.NotNil(t, f.member(t, groupID, f.member1))
	require.Len(t, f.entries(t, groupID), 1)
}

func TestMembersRemovedAppliesAndJournals(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:         f.admin,
		GroupID:        groupID,
		SentAtMs:       1_001_000,
		Kind:           wire.KindMembersRemoved,
		MembersRemoved: &wire.MemberList{Members: []string{f.member1}},
	}))

	require.Nil(t, f.member(t, groupID, f.member1))
	entries := f.entries(t, groupID)
	require.Len(t, entries, 2)
	require.Equal(t, journal.VariantMembersRemoved, entries[1].Variant)
	require.True(t, entries[1].Applied)
}

func TestMembersRemovedIncludingLocalWipes(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:         f.admin,
		GroupID:        groupID,
		SentAtMs:       1_001_000,
		Kind:           wire.KindMembersRemoved,
		MembersRemoved: &wire.MemberList{Members: []string{f.localID}},
	}))

	require.Nil(t, f.group(t, groupID))
	require.Equal(t, 0, f.keyCount(t, groupID))
	require.Empty(t, f.entries(t, groupID))
	require.False(t, f.poller.Polling(groupID))
	require.False(t, f.push.Subscribed(groupID))
}

func TestMemberLeftBecomesZombie(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:     f.member1,
		GroupID:    groupID,
		SentAtMs:   1_001_000,
		Kind:       wire.KindMemberLeft,
		MemberLeft: &wire.MemberLeft{},
	}))

	member := f.member(t, groupID, f.member1)
	require.NotNil(t, member)
	require.Equal(t, roster.RoleZombie, member.Role)

	f.run(t, "zombie excluded from authority and count", func() error {
		isMember, err := f.roster.IsMember(groupID, f.member1)
		require.NoError(t, err)
		require.False(t, isMember)
		count, err := f.roster.ActiveMemberCount(groupID)
		require.NoError(t, err)
		require.Equal(t, 3, count)
		return nil
	})

	entries := f.entries(t, groupID)
	require.Len(t, entries, 2)
	require.Equal(t, journal.VariantMemberLeft, entries[1].Variant)
}

func TestMemberLeftBeforeFormationSuppressed(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:     f.member1,
		GroupID:    groupID,
		SentAtMs:   999_000,
		Kind:       wire.KindMemberLeft,
		MemberLeft: &wire.MemberLeft{},
	}))

	require.Equal(t, roster.RoleStandard, f.member(t, groupID, f.member1).Role)
	entries := f.entries(t, groupID)
	require.Len(t, entries, 2)
	require.False(t, entries[0].Applied)
}

func TestFoundingAdminLeaveDisbands(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:     f.admin,
		GroupID:    groupID,
		SentAtMs:   1_001_000,
		Kind:       wire.KindMemberLeft,
		MemberLeft: &wire.MemberLeft{},
	}))

	require.Nil(t, f.group(t, groupID))
	require.Equal(t, 0, f.keyCount(t, groupID))
	require.False(t, f.poller.Polling(groupID))
}

func TestEncryptionKeyPairStored(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	rotated, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	plain, err := wire.EncodeKeyPairPayload(&wire.KeyPairPayload{
		PublicKey: rotated.PublicKey,
		SecretKey: rotated.SecretKey,
	})
	require.NoError(t, err)
	sealed, err := crypto.Seal(f.localPair.PublicKey, plain)
	require.NoError(t, err)

	// delivered through the local user's own thread, so the group is named in
	// the payload
	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:   f.admin,
		GroupID:  f.localID,
		SentAtMs: 1_001_000,
		Kind:     wire.KindEncryptionKeyPair,
		KeyPair: &wire.EncryptionKeyPair{
			GroupID: groupID,
			Wrappers: []wire.KeyPairWrapper{
				{RecipientID: f.localID, Sealed: sealed},
			},
		},
	}))

	require.Equal(t, 2, f.keyCount(t, groupID))
	f.run(t, "latest", func() error {
		latest, err := f.keys.Latest(groupID)
		require.NoError(t, err)
		require.Equal(t, rotated.PublicKey, latest.PublicKey)
		return nil
	})
	// key messages never surface in the conversation
	require.Len(t, f.entries(t, groupID), 1)
}

func (f *fixture) sealedKeyPairMessage(t *testing.T, groupID string, pair *crypto.KeyPair, sentAtMs uint64) *wire.ControlMessage {
	plain, err := wire.EncodeKeyPairPayload(&wire.KeyPairPayload{
		PublicKey: pair.PublicKey,
		SecretKey: pair.SecretKey,
	})
	require.NoError(t, err)
	sealed, err := crypto.Seal(f.localPair.PublicKey, plain)
	require.NoError(t, err)
	return &wire.ControlMessage{
		Sender:   f.admin,
		GroupID:  groupID,
		SentAtMs: sentAtMs,
		Kind:     wire.KindEncryptionKeyPair,
		KeyPair: &wire.EncryptionKeyPair{
			Wrappers: []wire.KeyPairWrapper{
				{RecipientID: f.localID, Sealed: sealed},
			},
		},
	}
}

func TestRotatedKeyPairOrderedByReceiptNotSenderTimestamp(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	// an admin rotation with a wildly inflated sender timestamp
	inflated, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	f.clock.nowMs = 1_001_000
	require.NoError(t, f.p.Handle(f.sealedKeyPairMessage(t, groupID, inflated, 9_999_999_999_000)))

	// a later rotation with an honest timestamp must still become latest
	honest, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	f.clock.nowMs = 1_002_000
	require.NoError(t, f.p.Handle(f.sealedKeyPairMessage(t, groupID, honest, 1_002_000)))

	require.Equal(t, 3, f.keyCount(t, groupID))
	f.run(t, "latest", func() error {
		latest, err := f.keys.Latest(groupID)
		require.NoError(t, err)
		require.Equal(t, honest.PublicKey, latest.PublicKey)
		require.Equal(t, uint64(1_002_000), latest.ReceivedAtMs)
		return nil
	})
}

func TestEncryptionKeyPairFromNonAdminIgnored(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	rotated, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	plain, err := wire.EncodeKeyPairPayload(&wire.KeyPairPayload{
		PublicKey: rotated.PublicKey,
		SecretKey: rotated.SecretKey,
	})
	require.NoError(t, err)
	sealed, err := crypto.Seal(f.localPair.PublicKey, plain)
	require.NoError(t, err)

	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:   f.member1,
		GroupID:  groupID,
		SentAtMs: 1_001_000,
		Kind:     wire.KindEncryptionKeyPair,
		KeyPair: &wire.EncryptionKeyPair{
			Wrappers: []wire.KeyPairWrapper{
				{RecipientID: f.localID, Sealed: sealed},
			},
		},
	}))

	require.Equal(t, 1, f.keyCount(t, groupID))
}

func TestEncryptionKeyPairGarbledWrapperIgnored(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:   f.admin,
		GroupID:  groupID,
		SentAtMs: 1_001_000,
		Kind:     wire.KindEncryptionKeyPair,
		KeyPair: &wire.EncryptionKeyPair{
			Wrappers: []wire.KeyPairWrapper{
				{RecipientID: f.localID, Sealed: []byte("not a sealed payload, far too short to matter")},
			},
		},
	}))

	require.Equal(t, 1, f.keyCount(t, groupID))
}

func TestMalformedMessageDropped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.p.HandleEncoded([]byte{0xff, 0x00, 0x13}))
}

func TestInvalidSenderIgnored(t *testing.T) {
	f := newFixture(t)
	groupID, _ := f.announce(t, 1_000_000)

	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:     "not-a-session-id-but-nonempty",
		GroupID:    groupID,
		SentAtMs:   1_001_000,
		Kind:       wire.KindNameChange,
		NameChange: &wire.NameChange{Name: "nope"},
	}))
	require.Equal(t, "reading group", f.group(t, groupID).Name)
}

func TestUnknownGroupIgnored(t *testing.T) {
	f := newFixture(t)
	groupID := ids.NewGroupID()

	require.NoError(t, f.p.Handle(&wire.ControlMessage{
		Sender:     f.admin,
		GroupID:    groupID,
		SentAtMs:   1_001_000,
		Kind:       wire.KindNameChange,
		NameChange: &wire.NameChange{Name: "nope"},
	}))
	require.Empty(t, f.entries(t, groupID))
}
