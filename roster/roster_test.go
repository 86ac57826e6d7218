package roster

import (
	"os"
	"testing"

	"github.com/cord-im/go-cord/clock"
	"github.com/cord-im/go-cord/config"
	"github.com/cord-im/go-cord/ids"
	"github.com/cord-im/go-cord/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestLedger(t *testing.T) *Ledger {
	c := config.NewConfig(config.WithLoggingPrefix("roster-test"))
	d := test.NewTestDatabase(c)
	l, err := NewLedger(c, d, clock.NewSystemClock())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, d.Shutdown())
	})
	return l
}

func makeGroup(t *testing.T, l *Ledger, founder string) string {
	groupID := ids.NewGroupID()
	require.NoError(t, l.CreateGroup(&Group{
		ID:            groupID,
		Name:          "test group",
		FoundingAdmin: founder,
		ShouldPoll:    true,
	}))
	require.NoError(t, l.Upsert(&Member{GroupID: groupID, ProfileID: founder, Role: RoleStandard, RoleStatus: StatusAccepted}))
	return groupID
}

func TestUpsertPreservesUnrelatedFields(t *testing.T) {
	l := newTestLedger(t)
	founder := ids.NewGroupID()

	require.NoError(t, l.db.Run("upsert", func() error {
		groupID := makeGroup(t, l, founder)
		member := ids.NewGroupID()

		require.NoError(t, l.Upsert(&Member{GroupID: groupID, ProfileID: member, Role: RoleStandard, RoleStatus: StatusPending, IsHidden: true}))
		require.NoError(t, l.SetRoleStatus(groupID, member, StatusSending))

		m, err := l.Member(groupID, member)
		require.NoError(t, err)
		require.NotNil(t, m)
		require.Equal(t, RoleStandard, m.Role)
		require.Equal(t, StatusSending, m.RoleStatus)
		require.True(t, m.IsHidden)
		return nil
	}))
}

func TestRemoveAbsentMemberIsNoop(t *testing.T) {
	l := newTestLedger(t)
	founder := ids.NewGroupID()

	require.NoError(t, l.db.Run("remove absent", func() error {
		groupID := makeGroup(t, l, founder)
		require.NoError(t, l.Remove(groupID, []string{ids.NewGroupID()}))
		count, err := l.ActiveMemberCount(groupID)
		require.NoError(t, err)
		require.Equal(t, 1, count)
		return nil
	}))
}

func TestZombiesExcludedFromAuthorityAndCount(t *testing.T) {
	l := newTestLedger(t)
	founder := ids.NewGroupID()
	leaver := ids.NewGroupID()

	require.NoError(t, l.db.Run("zombie", func() error {
		groupID := makeGroup(t, l, founder)
		require.NoError(t, l.Upsert(&Member{GroupID: groupID, ProfileID: leaver, Role: RoleStandard, RoleStatus: StatusAccepted}))

		count, err := l.ActiveMemberCount(groupID)
		require.NoError(t, err)
		require.Equal(t, 2, count)

		require.NoError(t, l.Upsert(&Member{GroupID: groupID, ProfileID: leaver, Role: RoleZombie, RoleStatus: StatusAccepted}))

		count, err = l.ActiveMemberCount(groupID)
		require.NoError(t, err)
		require.Equal(t, 1, count)

		isMember, err := l.IsMember(groupID, leaver)
		require.NoError(t, err)
		require.False(t, isMember)

		// the zombie row is retained for later re-promotion
		m, err := l.Member(groupID, leaver)
		require.NoError(t, err)
		require.NotNil(t, m)
		require.Equal(t, RoleZombie, m.Role)
		return nil
	}))
}

func TestFoundingAdminAuthority(t *testing.T) {
	l := newTestLedger(t)
	founder := ids.NewGroupID()
	member := ids.NewGroupID()

	require.NoError(t, l.db.Run("authority", func() error {
		groupID := makeGroup(t, l, founder)
		require.NoError(t, l.Upsert(&Member{GroupID: groupID, ProfileID: member, Role: RoleStandard, RoleStatus: StatusAccepted}))

		isAdmin, err := l.IsAdmin(groupID, founder)
		require.NoError(t, err)
		require.True(t, isAdmin)

		isAdmin, err = l.IsAdmin(groupID, member)
		require.NoError(t, err)
		require.False(t, isAdmin)

		require.NoError(t, l.Upsert(&Member{GroupID: groupID, ProfileID: member, Role: RoleAdmin, RoleStatus: StatusAccepted}))
		isAdmin, err = l.IsAdmin(groupID, member)
		require.NoError(t, err)
		require.True(t, isAdmin)

		admins, err := l.Admins(groupID)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{founder, member}, admins)
		return nil
	}))
}

func TestDestroyGroupCascades(t *testing.T) {
	l := newTestLedger(t)
	founder := ids.NewGroupID()

	require.NoError(t, l.db.Run("destroy", func() error {
		groupID := makeGroup(t, l, founder)
		require.NoError(t, l.DestroyGroup(groupID))

		g, err := l.Group(groupID)
		require.NoError(t, err)
		require.Nil(t, g)

		members, err := l.Members(groupID)
		require.NoError(t, err)
		require.Len(t, members, 0)
		return nil
	}))
}
