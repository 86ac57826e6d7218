// Package coordinator turns local user actions into state mutations, outbound
// control messages and durable jobs. The synchronous contract of every operation is
// "local state is durable and the work is queued"; network propagation is eventually
// consistent and retried by the job runner, and its failures never roll back a
// committed local mutation.
package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cord-im/go-cord/clock"
	"github.com/cord-im/go-cord/config"
	"github.com/cord-im/go-cord/configmerge"
	"github.com/cord-im/go-cord/crypto"
	"github.com/cord-im/go-cord/internal/db"
	"github.com/cord-im/go-cord/jobs"
	"github.com/cord-im/go-cord/journal"
	"github.com/cord-im/go-cord/keystore"
	"github.com/cord-im/go-cord/poller"
	"github.com/cord-im/go-cord/roster"
	"github.com/cord-im/go-cord/transport"
	"github.com/cord-im/go-cord/wire"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var (
	ErrUnknownGroup  = errors.New("coordinator: unknown group")
	ErrUnknownMember = errors.New("coordinator: unknown member")
	ErrFoundingAdmin = errors.New("coordinator: cannot remove the founding admin")
)

// UpdateGroupRequest carries the fields a group update may change. Nil fields are
// left untouched.
type UpdateGroupRequest struct {
	Name              *string
	Description       *string
	DisplayPicture    []byte
	ExpirationTimerMs *uint64
}

type Coordinator struct {
	config  *config.Config
	log     *zap.SugaredLogger
	clock   clock.Clock
	db      *db.Database
	keys    *keystore.Store
	roster  *roster.Ledger
	merge   *configmerge.Engine
	journal *journal.Journal
	jobs    *jobs.Runner
	sender  transport.Sender
	push    transport.PushRegistrar
	confsvc transport.ConfigService
	upload  transport.Uploader
	poller  *poller.Manager
	localID string
}

func NewCoordinator(
	c *config.Config,
	internalDB *db.Database,
	cl clock.Clock,
	keys *keystore.Store,
	ledger *roster.Ledger,
	merge *configmerge.Engine,
	jrnl *journal.Journal,
	runner *jobs.Runner,
	sender transport.Sender,
	push transport.PushRegistrar,
	confsvc transport.ConfigService,
	upload transport.Uploader,
	pollers *poller.Manager,
	localID string,
) *Coordinator {
	co := &Coordinator{
		config:  c,
		log:     c.Logger("coordinator"),
		clock:   cl,
		db:      internalDB,
		keys:    keys,
		roster:  ledger,
		merge:   merge,
		journal: jrnl,
		jobs:    runner,
		sender:  sender,
		push:    push,
		confsvc: confsvc,
		upload:  upload,
		poller:  pollers,
		localID: localID,
	}
	co.registerJobHandlers()
	return co
}

// CreateGroup forms a new group with the given members (the local user is always
// included). Display-picture upload and group-identity materialization happen
// before any local persistence, so a failure there leaves no partial group.
func (co *Coordinator) CreateGroup(name, description string, displayPicture []byte, members []string) (*roster.Group, error) {
	var pictureURL string
	if len(displayPicture) > 0 {
		var err error
		pictureURL, err = co.upload.Upload(displayPicture)
		if err != nil {
			return nil, fmt.Errorf("coordinator: error uploading display picture: %w", err)
		}
	}

	allMembers := []string{co.localID}
	for _, m := range members {
		if m != co.localID {
			allMembers = append(allMembers, m)
		}
	}

	groupID, _, err := co.confsvc.CreateGroup(name, allMembers)
	if err != nil {
		return nil, fmt.Errorf("coordinator: error materializing group: %w", err)
	}

	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	var group *roster.Group
	if err := co.db.Run(fmt.Sprintf("create group %s", groupID), func() error {
		now := co.clock.CurrentTimeMs()
		group = &roster.Group{
			ID:                groupID,
			Name:              name,
			Description:       description,
			DisplayPictureURL: pictureURL,
			FormationAtMs:     now,
			FoundingAdmin:     co.localID,
			ShouldPoll:        true,
		}
		if err := co.roster.CreateGroup(group); err != nil {
			return err
		}
		for _, m := range allMembers {
			status := roster.StatusSending
			if m == co.localID {
				status = roster.StatusAccepted
			}
			if err := co.roster.Upsert(&roster.Member{
				GroupID:    groupID,
				ProfileID:  m,
				Role:       roster.RoleStandard,
				RoleStatus: status,
			}); err != nil {
				return err
			}
		}
		if _, err := co.keys.InsertIfAbsent(&keystore.KeyPair{
			ThreadID:  groupID,
			PublicKey: pair.PublicKey,
			SecretKey: pair.SecretKey,
		}); err != nil {
			return err
		}
		if err := co.merge.MarkChange(groupID, configmerge.NamespaceUserGroups, now); err != nil {
			return err
		}

		for _, m := range allMembers {
			if m == co.localID {
				continue
			}
			auth, err := co.confsvc.GenerateAuthData(groupID, m)
			if err != nil {
				return err
			}
			if _, err := co.jobs.Schedule(jobs.KindInvite, groupID, &jobs.InviteDetails{
				GroupID:           groupID,
				MemberID:          m,
				Token:             auth.Token,
				ChangeTimestampMs: now,
			}); err != nil {
				return err
			}
		}

		if err := co.journal.Record(groupID, co.localID, journal.VariantGroupCreated, name, now, true); err != nil {
			return err
		}

		co.db.AfterCommit(func() {
			co.poller.Start(groupID)
			if err := co.push.Subscribe([]string{groupID}); err != nil {
				co.log.Warnf("error subscribing push for %s: %#v", groupID, err)
			}
		})
		return nil
	}); err != nil {
		return nil, err
	}
	return group, nil
}

// UpdateGroup diffs the request against current state and only emits control
// messages for fields that actually changed. An info entry summarizing the diff is
// always written.
func (co *Coordinator) UpdateGroup(groupID string, req *UpdateGroupRequest) error {
	var pictureURL string
	if len(req.DisplayPicture) > 0 {
		var err error
		pictureURL, err = co.upload.Upload(req.DisplayPicture)
		if err != nil {
			return fmt.Errorf("coordinator: error uploading display picture: %w", err)
		}
	}

	return co.db.Run(fmt.Sprintf("update group %s", groupID), func() error {
		group, err := co.roster.Group(groupID)
		if err != nil {
			return err
		}
		if group == nil {
			return ErrUnknownGroup
		}

		now := co.clock.CurrentTimeMs()
		changes := make([]string, 0, 3)

		if req.Name != nil && *req.Name != group.Name {
			if err := co.roster.UpdateName(groupID, *req.Name); err != nil {
				return err
			}
			changes = append(changes, fmt.Sprintf("name: %s", *req.Name))
			name := *req.Name
			co.db.AfterCommit(func() {
				co.send(&wire.ControlMessage{
					Sender:     co.localID,
					GroupID:    groupID,
					SentAtMs:   now,
					Kind:       wire.KindNameChange,
					NameChange: &wire.NameChange{Name: name},
				})
			})
		}
		if req.Description != nil && *req.Description != group.Description {
			if err := co.roster.UpdateDescription(groupID, *req.Description); err != nil {
				return err
			}
			changes = append(changes, "description")
		}
		if pictureURL != "" && pictureURL != group.DisplayPictureURL {
			if err := co.roster.UpdateDisplayPicture(groupID, pictureURL); err != nil {
				return err
			}
			changes = append(changes, "display picture")
		}
		if req.ExpirationTimerMs != nil && *req.ExpirationTimerMs != group.ExpirationTimerMs {
			if err := co.roster.SetExpirationTimer(groupID, *req.ExpirationTimerMs); err != nil {
				return err
			}
			changes = append(changes, "expiration timer")
		}

		if len(changes) > 0 {
			if err := co.merge.MarkChange(groupID, configmerge.NamespaceUserGroups, now); err != nil {
				return err
			}
		}
		return co.journal.Record(groupID, co.localID, journal.VariantGroupUpdated, strings.Join(changes, ", "), now, len(changes) > 0)
	})
}

// AddGroupMembers adds members and schedules their invitations. When historic
// access is granted the current key pair is supplemented to the new members;
// otherwise the group is fully rekeyed. A best-effort unrevoke covers members who
// were previously removed; its failure never blocks the add.
func (co *Coordinator) AddGroupMembers(groupID string, members []string, allowAccessToHistoricMessages bool) error {
	return co.db.Run(fmt.Sprintf("add members to %s", groupID), func() error {
		group, err := co.roster.Group(groupID)
		if err != nil {
			return err
		}
		if group == nil {
			return ErrUnknownGroup
		}

		now := co.clock.CurrentTimeMs()
		if err := co.confsvc.AddMembers(groupID, members); err != nil {
			return err
		}

		tokens := make([][]byte, 0, len(members))
		for _, m := range members {
			if err := co.roster.Upsert(&roster.Member{
				GroupID:    groupID,
				ProfileID:  m,
				Role:       roster.RoleStandard,
				RoleStatus: roster.StatusSending,
			}); err != nil {
				return err
			}

			auth, err := co.confsvc.GenerateAuthData(groupID, m)
			if err != nil {
				return err
			}
			tokens = append(tokens, auth.Token)
			if _, err := co.jobs.Schedule(jobs.KindInvite, groupID, &jobs.InviteDetails{
				GroupID:           groupID,
				MemberID:          m,
				Token:             auth.Token,
				ChangeTimestampMs: now,
			}); err != nil {
				return err
			}
		}

		if allowAccessToHistoricMessages {
			// supplement the existing key to the newcomers only
			if _, err := co.jobs.Schedule(jobs.KindKeyDistribution, groupID, &jobs.KeyDistributionDetails{
				GroupID:   groupID,
				MemberIDs: members,
			}); err != nil {
				return err
			}
		} else {
			if err := co.rotateKey(groupID); err != nil {
				return err
			}
		}

		if err := co.merge.MarkChange(groupID, configmerge.NamespaceUserGroups, now); err != nil {
			return err
		}
		if err := co.journal.Record(groupID, co.localID, journal.VariantMembersAdded, strings.Join(members, ","), now, true); err != nil {
			return err
		}

		added := append([]string{}, members...)
		co.db.AfterCommit(func() {
			if err := co.push.UnrevokeSubaccounts(groupID, tokens); err != nil {
				co.log.Warnf("best-effort unrevoke failed for %s: %#v", groupID, err)
			}
			co.send(&wire.ControlMessage{
				Sender:       co.localID,
				GroupID:      groupID,
				SentAtMs:     now,
				Kind:         wire.KindMembersAdded,
				MembersAdded: &wire.MemberList{Members: added},
			})
		})
		return nil
	})
}

// RemoveGroupMembers deletes the member rows immediately; key rotation and access
// revocation run in a durable job after commit, so the roster reflects the removal
// before the network has confirmed anything.
func (co *Coordinator) RemoveGroupMembers(groupID string, memberIDs []string, removeTheirMessages, sendMemberChangedMessage bool) error {
	return co.db.Run(fmt.Sprintf("remove members from %s", groupID), func() error {
		group, err := co.roster.Group(groupID)
		if err != nil {
			return err
		}
		if group == nil {
			return ErrUnknownGroup
		}
		if slices.Contains(memberIDs, group.FoundingAdmin) {
			return ErrFoundingAdmin
		}

		now := co.clock.CurrentTimeMs()
		if err := co.confsvc.RemoveMembers(groupID, memberIDs); err != nil {
			return err
		}
		if err := co.roster.Remove(groupID, memberIDs); err != nil {
			return err
		}
		if err := co.merge.MarkChange(groupID, configmerge.NamespaceUserGroups, now); err != nil {
			return err
		}

		if _, err := co.jobs.Schedule(jobs.KindPendingRemoval, groupID, &jobs.PendingRemovalDetails{
			GroupID:        groupID,
			MemberIDs:      memberIDs,
			RemoveMessages: removeTheirMessages,
		}); err != nil {
			return err
		}

		if sendMemberChangedMessage {
			if err := co.journal.Record(groupID, co.localID, journal.VariantMembersRemoved, strings.Join(memberIDs, ","), now, true); err != nil {
				return err
			}
			removed := append([]string{}, memberIDs...)
			co.db.AfterCommit(func() {
				co.send(&wire.ControlMessage{
					Sender:         co.localID,
					GroupID:        groupID,
					SentAtMs:       now,
					Kind:           wire.KindMembersRemoved,
					MembersRemoved: &wire.MemberList{Members: removed},
				})
			})
		}
		return nil
	})
}

// PromoteGroupMembers marks members as admins with the promotion delivery pending,
// and schedules one promotion job per member.
func (co *Coordinator) PromoteGroupMembers(groupID string, memberIDs []string, sendAdminChangedMessage bool) error {
	return co.db.Run(fmt.Sprintf("promote members in %s", groupID), func() error {
		group, err := co.roster.Group(groupID)
		if err != nil {
			return err
		}
		if group == nil {
			return ErrUnknownGroup
		}

		now := co.clock.CurrentTimeMs()
		for _, m := range memberIDs {
			member, err := co.roster.Member(groupID, m)
			if err != nil {
				return err
			}
			if member == nil {
				return ErrUnknownMember
			}
			if err := co.roster.Upsert(&roster.Member{
				GroupID:    groupID,
				ProfileID:  m,
				Role:       roster.RoleAdmin,
				RoleStatus: roster.StatusSending,
				IsHidden:   member.IsHidden,
			}); err != nil {
				return err
			}
			if err := co.confsvc.UpdateMemberStatus(groupID, m, roster.StatusSending); err != nil {
				return err
			}
			if _, err := co.jobs.Schedule(jobs.KindPromote, groupID, &jobs.PromoteDetails{
				GroupID:           groupID,
				MemberID:          m,
				ChangeTimestampMs: now,
			}); err != nil {
				return err
			}
		}

		if sendAdminChangedMessage {
			return co.journal.Record(groupID, co.localID, journal.VariantMemberPromoted, strings.Join(memberIDs, ","), now, true)
		}
		return nil
	})
}

// ResendInvitation regenerates the member's auth material and requeues the invite.
// Idempotent: a failed member goes back to sending, a sending member stays sending,
// and every call schedules exactly one new invite job.
func (co *Coordinator) ResendInvitation(groupID, memberID string) error {
	return co.db.Run(fmt.Sprintf("resend invitation for %s", memberID), func() error {
		group, err := co.roster.Group(groupID)
		if err != nil {
			return err
		}
		if group == nil {
			return ErrUnknownGroup
		}
		member, err := co.roster.Member(groupID, memberID)
		if err != nil {
			return err
		}
		if member == nil {
			return ErrUnknownMember
		}

		now := co.clock.CurrentTimeMs()
		auth, err := co.confsvc.GenerateAuthData(groupID, memberID)
		if err != nil {
			return err
		}
		if err := co.roster.SetRoleStatus(groupID, memberID, roster.StatusSending); err != nil {
			return err
		}
		if _, err := co.jobs.Schedule(jobs.KindInvite, groupID, &jobs.InviteDetails{
			GroupID:           groupID,
			MemberID:          memberID,
			Token:             auth.Token,
			ChangeTimestampMs: now,
		}); err != nil {
			return err
		}

		token := auth.Token
		co.db.AfterCommit(func() {
			if err := co.push.UnrevokeSubaccounts(groupID, [][]byte{token}); err != nil {
				co.log.Warnf("best-effort unrevoke failed for %s: %#v", groupID, err)
			}
		})
		return nil
	})
}

// Leave records the departure locally and hands the rest (disband-or-depart,
// key and poll cleanup) to a durable leave job.
func (co *Coordinator) Leave(groupID string) error {
	return co.db.Run(fmt.Sprintf("leave group %s", groupID), func() error {
		group, err := co.roster.Group(groupID)
		if err != nil {
			return err
		}
		if group == nil {
			return ErrUnknownGroup
		}
		now := co.clock.CurrentTimeMs()
		if err := co.journal.Record(groupID, co.localID, journal.VariantGroupLeaving, "", now, true); err != nil {
			return err
		}
		_, err = co.jobs.Schedule(jobs.KindLeave, groupID, &jobs.LeaveDetails{GroupID: groupID})
		return err
	})
}

// rotateKey generates a fresh group key pair and schedules its distribution to the
// current roster. Runs inside the caller's transaction.
func (co *Coordinator) rotateKey(groupID string) error {
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	if _, err := co.keys.InsertIfAbsent(&keystore.KeyPair{
		ThreadID:  groupID,
		PublicKey: pair.PublicKey,
		SecretKey: pair.SecretKey,
	}); err != nil {
		return err
	}
	if err := co.confsvc.Rekey(groupID); err != nil {
		return err
	}

	members, err := co.roster.Members(groupID)
	if err != nil {
		return err
	}
	targets := make([]string, 0, len(members))
	for _, m := range members {
		if m.Role != roster.RoleZombie && m.ProfileID != co.localID {
			targets = append(targets, m.ProfileID)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	_, err = co.jobs.Schedule(jobs.KindKeyDistribution, groupID, &jobs.KeyDistributionDetails{
		GroupID:   groupID,
		MemberIDs: targets,
	})
	return err
}

func (co *Coordinator) send(msg *wire.ControlMessage) {
	body, err := wire.Encode(msg)
	if err != nil {
		co.log.Warnf("error encoding %s message: %#v", msg.Kind, err)
		return
	}
	if err := co.sender.Send(msg.GroupID, body); err != nil {
		co.log.Warnf("error handing off %s message for %s: %#v", msg.Kind, msg.GroupID, err)
	}
}
