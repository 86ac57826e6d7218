package coordinator

import (
	"fmt"

	"github.com/cord-im/go-cord/crypto"
	"github.com/cord-im/go-cord/ids"
	"github.com/cord-im/go-cord/jobs"
	"github.com/cord-im/go-cord/keystore"
	"github.com/cord-im/go-cord/roster"
	"github.com/cord-im/go-cord/wire"
)

// Job handlers run outside the runner's bookkeeping transactions and open their
// own. A returned error reschedules the job with backoff; only invite exhaustion
// has a visible failure effect.
func (co *Coordinator) registerJobHandlers() {
	co.jobs.RegisterHandler(jobs.KindInvite, co.runInvite)
	co.jobs.RegisterFailureHandler(jobs.KindInvite, co.inviteFailed)
	co.jobs.RegisterHandler(jobs.KindPromote, co.runPromote)
	co.jobs.RegisterHandler(jobs.KindPendingRemoval, co.runPendingRemoval)
	co.jobs.RegisterHandler(jobs.KindKeyDistribution, co.runKeyDistribution)
	co.jobs.RegisterHandler(jobs.KindLeave, co.runLeave)
}

// runInvite sends the invited member a group announcement on their own thread,
// carrying the roster and the current key pair.
func (co *Coordinator) runInvite(job *jobs.Job) error {
	details := &jobs.InviteDetails{}
	if err := job.DecodeDetails(details); err != nil {
		return err
	}

	var (
		group   *roster.Group
		members []string
		admins  []string
		pair    *keystore.KeyPair
	)
	if err := co.db.Run(fmt.Sprintf("load invite state for %s", details.GroupID), func() error {
		var err error
		if group, err = co.roster.Group(details.GroupID); err != nil {
			return err
		}
		if group == nil {
			return ErrUnknownGroup
		}
		all, err := co.roster.Members(details.GroupID)
		if err != nil {
			return err
		}
		for _, m := range all {
			if m.Role != roster.RoleZombie {
				members = append(members, m.ProfileID)
			}
		}
		if admins, err = co.roster.Admins(details.GroupID); err != nil {
			return err
		}
		pair, err = co.keys.Latest(details.GroupID)
		return err
	}); err != nil {
		return err
	}
	if pair == nil {
		return fmt.Errorf("coordinator: no key pair for %s", details.GroupID)
	}

	body, err := wire.Encode(&wire.ControlMessage{
		Sender:   co.localID,
		GroupID:  details.GroupID,
		SentAtMs: details.ChangeTimestampMs,
		Kind:     wire.KindNew,
		New: &wire.NewGroup{
			Name:              group.Name,
			Members:           members,
			Admins:            admins,
			EncPublicKey:      pair.PublicKey,
			EncSecretKey:      pair.SecretKey,
			ExpirationTimerMs: group.ExpirationTimerMs,
		},
	})
	if err != nil {
		return err
	}
	return co.sender.Send(details.MemberID, body)
}

// inviteFailed marks the member's invitation as failed once delivery attempts are
// exhausted, so the user can resend it.
func (co *Coordinator) inviteFailed(job *jobs.Job) error {
	details := &jobs.InviteDetails{}
	if err := job.DecodeDetails(details); err != nil {
		return err
	}
	return co.db.Run(fmt.Sprintf("mark invite failed for %s", details.MemberID), func() error {
		member, err := co.roster.Member(details.GroupID, details.MemberID)
		if err != nil || member == nil {
			return err
		}
		if err := co.roster.SetRoleStatus(details.GroupID, details.MemberID, roster.StatusFailed); err != nil {
			return err
		}
		return co.confsvc.UpdateMemberStatus(details.GroupID, details.MemberID, roster.StatusFailed)
	})
}

// runPromote delivers the current key pair to the promoted member on their own
// thread, then marks the promotion accepted.
func (co *Coordinator) runPromote(job *jobs.Job) error {
	details := &jobs.PromoteDetails{}
	if err := job.DecodeDetails(details); err != nil {
		return err
	}

	var pair *keystore.KeyPair
	if err := co.db.Run(fmt.Sprintf("load key pair for %s", details.GroupID), func() error {
		var err error
		pair, err = co.keys.Latest(details.GroupID)
		return err
	}); err != nil {
		return err
	}
	if pair == nil {
		return fmt.Errorf("coordinator: no key pair for %s", details.GroupID)
	}

	wrapper, err := co.sealKeyPairTo(details.MemberID, pair)
	if err != nil {
		return err
	}
	body, err := wire.Encode(&wire.ControlMessage{
		Sender:   co.localID,
		GroupID:  details.GroupID,
		SentAtMs: details.ChangeTimestampMs,
		Kind:     wire.KindEncryptionKeyPair,
		KeyPair: &wire.EncryptionKeyPair{
			GroupID:  details.GroupID,
			Wrappers: []wire.KeyPairWrapper{*wrapper},
		},
	})
	if err != nil {
		return err
	}
	if err := co.sender.Send(details.MemberID, body); err != nil {
		return err
	}

	return co.db.Run(fmt.Sprintf("mark promotion accepted for %s", details.MemberID), func() error {
		member, err := co.roster.Member(details.GroupID, details.MemberID)
		if err != nil || member == nil {
			return err
		}
		if err := co.roster.SetRoleStatus(details.GroupID, details.MemberID, roster.StatusAccepted); err != nil {
			return err
		}
		return co.confsvc.UpdateMemberStatus(details.GroupID, details.MemberID, roster.StatusAccepted)
	})
}

// runPendingRemoval finishes a removal after the roster change committed: rotate
// the group key away from the removed members, revoke their push access, and
// optionally drop their journal entries.
func (co *Coordinator) runPendingRemoval(job *jobs.Job) error {
	details := &jobs.PendingRemovalDetails{}
	if err := job.DecodeDetails(details); err != nil {
		return err
	}

	if err := co.db.Run(fmt.Sprintf("rotate key for %s", details.GroupID), func() error {
		group, err := co.roster.Group(details.GroupID)
		if err != nil {
			return err
		}
		if group == nil {
			// group wiped while the job was queued, nothing left to protect
			return nil
		}
		if err := co.rotateKey(details.GroupID); err != nil {
			return err
		}
		if details.RemoveMessages {
			for _, m := range details.MemberIDs {
				if err := co.journal.WipeAuthor(details.GroupID, m); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	for _, m := range details.MemberIDs {
		token, err := co.confsvc.GenerateSubaccountToken(details.GroupID, m)
		if err != nil {
			return err
		}
		if err := co.push.RevokeSubaccount(details.GroupID, token); err != nil {
			return err
		}
	}
	return nil
}

// runKeyDistribution seals the latest key pair to each target and posts the
// wrappers on the group thread.
func (co *Coordinator) runKeyDistribution(job *jobs.Job) error {
	details := &jobs.KeyDistributionDetails{}
	if err := job.DecodeDetails(details); err != nil {
		return err
	}

	var pair *keystore.KeyPair
	if err := co.db.Run(fmt.Sprintf("load key pair for %s", details.GroupID), func() error {
		var err error
		pair, err = co.keys.Latest(details.GroupID)
		return err
	}); err != nil {
		return err
	}
	if pair == nil {
		return fmt.Errorf("coordinator: no key pair for %s", details.GroupID)
	}

	wrappers := make([]wire.KeyPairWrapper, 0, len(details.MemberIDs))
	for _, m := range details.MemberIDs {
		wrapper, err := co.sealKeyPairTo(m, pair)
		if err != nil {
			return err
		}
		wrappers = append(wrappers, *wrapper)
	}

	body, err := wire.Encode(&wire.ControlMessage{
		Sender:   co.localID,
		GroupID:  details.GroupID,
		SentAtMs: co.clock.CurrentTimeMs(),
		Kind:     wire.KindEncryptionKeyPair,
		KeyPair:  &wire.EncryptionKeyPair{Wrappers: wrappers},
	})
	if err != nil {
		return err
	}
	return co.sender.Send(details.GroupID, body)
}

// runLeave announces the departure on the group thread, then wipes all local group
// data. The wipe only happens once the announcement was handed off.
func (co *Coordinator) runLeave(job *jobs.Job) error {
	details := &jobs.LeaveDetails{}
	if err := job.DecodeDetails(details); err != nil {
		return err
	}

	body, err := wire.Encode(&wire.ControlMessage{
		Sender:     co.localID,
		GroupID:    details.GroupID,
		SentAtMs:   co.clock.CurrentTimeMs(),
		Kind:       wire.KindMemberLeft,
		MemberLeft: &wire.MemberLeft{},
	})
	if err != nil {
		return err
	}
	if err := co.sender.Send(details.GroupID, body); err != nil {
		return err
	}

	return co.db.Run(fmt.Sprintf("wipe group %s", details.GroupID), func() error {
		if err := co.roster.DestroyGroup(details.GroupID); err != nil {
			return err
		}
		if err := co.keys.WipeGroup(details.GroupID); err != nil {
			return err
		}
		if err := co.merge.Forget(details.GroupID); err != nil {
			return err
		}
		if err := co.journal.WipeThread(details.GroupID); err != nil {
			return err
		}
		if err := co.jobs.WipeThread(details.GroupID); err != nil {
			return err
		}
		co.db.AfterCommit(func() {
			co.poller.Stop(details.GroupID)
			if err := co.push.Unsubscribe([]string{details.GroupID}); err != nil {
				co.log.Warnf("error unsubscribing push for %s: %#v", details.GroupID, err)
			}
		})
		return nil
	})
}

func (co *Coordinator) sealKeyPairTo(memberID string, pair *keystore.KeyPair) (*wire.KeyPairWrapper, error) {
	pub, err := ids.PublicKey(memberID)
	if err != nil {
		return nil, err
	}
	plain, err := wire.EncodeKeyPairPayload(&wire.KeyPairPayload{
		PublicKey: pair.PublicKey,
		SecretKey: pair.SecretKey,
	})
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(pub, plain)
	if err != nil {
		return nil, err
	}
	return &wire.KeyPairWrapper{RecipientID: memberID, Sealed: sealed}, nil
}
