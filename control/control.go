// Package control interprets inbound group control messages. Every kind funnels
// through a single gate with a fixed order: sender validation, group existence,
// staleness, the kind-specific closure, then the info entry — which is written even
// when the closure was suppressed as stale, so the user always sees that a message
// arrived. Processing is serialized per group; distinct groups proceed concurrently.
package control

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cord-im/go-cord/clock"
	"github.com/cord-im/go-cord/config"
	"github.com/cord-im/go-cord/configmerge"
	"github.com/cord-im/go-cord/crypto"
	"github.com/cord-im/go-cord/ids"
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

type Processor struct {
	config         *config.Config
	log            *zap.SugaredLogger
	clock          clock.Clock
	db             *db.Database
	keys           *keystore.Store
	roster         *roster.Ledger
	merge          *configmerge.Engine
	journal        *journal.Journal
	jobs           *jobs.Runner
	push           transport.PushRegistrar
	poller         *poller.Manager
	localID        string
	localSecretKey []byte
	groupLocks     sync.Map
}

func NewProcessor(
	c *config.Config,
	internalDB *db.Database,
	cl clock.Clock,
	keys *keystore.Store,
	ledger *roster.Ledger,
	merge *configmerge.Engine,
	jrnl *journal.Journal,
	runner *jobs.Runner,
	push transport.PushRegistrar,
	pollers *poller.Manager,
	localID string,
	localSecretKey []byte,
) *Processor {
	return &Processor{
		config:         c,
		log:            c.Logger("control"),
		clock:          cl,
		db:             internalDB,
		keys:           keys,
		roster:         ledger,
		merge:          merge,
		journal:        jrnl,
		jobs:           runner,
		push:           push,
		poller:         pollers,
		localID:        localID,
		localSecretKey: localSecretKey,
	}
}

// HandleEncoded decodes and processes one control message. Malformed input is
// logged and dropped; it never aborts the processing of subsequent messages.
func (p *Processor) HandleEncoded(body []byte) error {
	msg, err := wire.Decode(body)
	if err != nil {
		p.log.Warnf("dropping malformed control message: %s", err)
		return nil
	}
	return p.Handle(msg)
}

// Handle processes one already-decoded control message.
func (p *Processor) Handle(msg *wire.ControlMessage) error {
	lock := p.lockFor(msg.GroupID)
	lock.Lock()
	defer lock.Unlock()

	switch msg.Kind {
	case wire.KindNew:
		return p.handleNew(msg)
	case wire.KindEncryptionKeyPair:
		return p.handleEncryptionKeyPair(msg)
	case wire.KindNameChange:
		return p.handleNameChange(msg)
	case wire.KindMembersAdded:
		return p.handleMembersAdded(msg)
	case wire.KindMembersRemoved:
		return p.handleMembersRemoved(msg)
	case wire.KindMemberLeft:
		return p.handleMemberLeft(msg)
	default:
		p.log.Warnf("ignoring control message of unknown kind %d", msg.Kind)
		return nil
	}
}

func (p *Processor) lockFor(groupID string) *sync.Mutex {
	lock, _ := p.groupLocks.LoadOrStore(groupID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// gate describes the preconditions a kind demands before its closure runs.
type gate struct {
	requireMember      bool
	requireAdmin       bool
	namespace          configmerge.Namespace
	notBeforeFormation bool
	infoVariant        int
}

// outcome is what a closure reports back to the gate.
type outcome struct {
	body     string
	skipInfo bool
}

// processIfValid runs the fixed validation order for one message inside a single
// transaction, then the kind closure, then the unconditional info entry. The
// closure only runs when the message is current; the info entry is written either
// way, flagged with whether the side effects were applied.
func (p *Processor) processIfValid(msg *wire.ControlMessage, g gate, closure func(group *roster.Group) (*outcome, error)) error {
	return p.db.Run(fmt.Sprintf("control %s for %s", msg.Kind, msg.GroupID), func() error {
		if err := ids.Validate(msg.Sender); err != nil {
			p.log.Warnf("ignoring %s with invalid sender: %s", msg.Kind, err)
			return nil
		}

		group, err := p.roster.Group(msg.GroupID)
		if err != nil {
			return err
		}
		if group == nil {
			p.log.Infof("ignoring %s for unknown group %s", msg.Kind, msg.GroupID)
			return nil
		}

		if g.requireAdmin {
			isAdmin, err := p.roster.IsAdmin(msg.GroupID, msg.Sender)
			if err != nil {
				return err
			}
			if !isAdmin {
				p.log.Warnf("ignoring %s from non-admin %s", msg.Kind, msg.Sender)
				return nil
			}
		} else if g.requireMember {
			isMember, err := p.roster.IsMember(msg.GroupID, msg.Sender)
			if err != nil {
				return err
			}
			if !isMember {
				p.log.Warnf("ignoring %s from non-member %s", msg.Kind, msg.Sender)
				return nil
			}
		}

		stale := false
		if g.notBeforeFormation && msg.SentAtMs < group.FormationAtMs {
			stale = true
		}
		if !stale && g.namespace != 0 {
			ok, err := p.merge.CanPerformChange(msg.GroupID, g.namespace, msg.SentAtMs)
			if err != nil {
				return err
			}
			stale = !ok
		}

		var out *outcome
		if !stale {
			out, err = closure(group)
			if err != nil {
				return err
			}
			if g.namespace != 0 && !out.skipInfo {
				if err := p.merge.MarkChange(msg.GroupID, g.namespace, msg.SentAtMs); err != nil {
					return err
				}
			}
		} else {
			p.log.Infof("suppressing stale %s for %s", msg.Kind, msg.GroupID)
			out = &outcome{}
		}

		if g.infoVariant == 0 || out.skipInfo {
			return nil
		}
		return p.journal.Record(msg.GroupID, msg.Sender, g.infoVariant, out.body, msg.SentAtMs, !stale)
	})
}

// handleNew creates a group announced by a peer. A stale announcement for a group
// that already exists locally still stores the key pair, so decryption keeps
// working; a stale announcement for an unknown group does nothing.
func (p *Processor) handleNew(msg *wire.ControlMessage) error {
	payload := msg.New
	return p.db.Run(fmt.Sprintf("control new for %s", msg.GroupID), func() error {
		if err := ids.Validate(msg.Sender); err != nil {
			p.log.Warnf("ignoring new-group with invalid sender: %s", err)
			return nil
		}
		if len(payload.Admins) == 0 {
			p.log.Warnf("ignoring new-group for %s with no admins", msg.GroupID)
			return nil
		}

		group, err := p.roster.Group(msg.GroupID)
		if err != nil {
			return err
		}

		ok, err := p.merge.CanPerformChange(msg.GroupID, configmerge.NamespaceUserGroups, msg.SentAtMs)
		if err != nil {
			return err
		}

		pair := &keystore.KeyPair{
			ThreadID:  msg.GroupID,
			PublicKey: payload.EncPublicKey,
			SecretKey: payload.EncSecretKey,
		}

		if !ok {
			if group == nil {
				p.log.Infof("suppressing stale new-group for unknown group %s", msg.GroupID)
				return nil
			}
			// key material is still useful for decrypt continuity
			if _, err := p.keys.InsertIfAbsent(pair); err != nil {
				return err
			}
			return p.journal.Record(msg.GroupID, msg.Sender, journal.VariantGroupCreated, payload.Name, msg.SentAtMs, false)
		}

		if group == nil {
			if err := p.roster.CreateGroup(&roster.Group{
				ID:                msg.GroupID,
				Name:              payload.Name,
				FormationAtMs:     msg.SentAtMs,
				FoundingAdmin:     payload.Admins[0],
				ShouldPoll:        true,
				ExpirationTimerMs: payload.ExpirationTimerMs,
			}); err != nil {
				return err
			}
		} else if err := p.roster.UpdateName(msg.GroupID, payload.Name); err != nil {
			return err
		}

		adminSet := make(map[string]bool, len(payload.Admins))
		for _, a := range payload.Admins {
			adminSet[a] = true
		}
		for _, m := range payload.Members {
			role := roster.RoleStandard
			if adminSet[m] {
				role = roster.RoleAdmin
			}
			if err := p.roster.Upsert(&roster.Member{
				GroupID:    msg.GroupID,
				ProfileID:  m,
				Role:       role,
				RoleStatus: roster.StatusAccepted,
			}); err != nil {
				return err
			}
		}

		if _, err := p.keys.InsertIfAbsent(pair); err != nil {
			return err
		}
		if err := p.merge.MarkChange(msg.GroupID, configmerge.NamespaceUserGroups, msg.SentAtMs); err != nil {
			return err
		}

		groupID := msg.GroupID
		p.db.AfterCommit(func() {
			p.poller.Start(groupID)
			if err := p.push.Subscribe([]string{groupID}); err != nil {
				p.log.Warnf("error subscribing push for %s: %#v", groupID, err)
			}
		})
		return p.journal.Record(msg.GroupID, msg.Sender, journal.VariantGroupCreated, payload.Name, msg.SentAtMs, true)
	})
}

// handleEncryptionKeyPair stores a rotated key pair. Key material is only accepted
// from a current admin, and only when a wrapper addressed to the local user
// decrypts and parses. Rejections are logged, never surfaced.
func (p *Processor) handleEncryptionKeyPair(msg *wire.ControlMessage) error {
	groupID := msg.GroupID
	if msg.KeyPair.GroupID != "" {
		// distributed through a one-to-one thread
		groupID = msg.KeyPair.GroupID
	}
	return p.db.Run(fmt.Sprintf("control key pair for %s", groupID), func() error {
		if err := ids.Validate(msg.Sender); err != nil {
			p.log.Warnf("ignoring key pair with invalid sender: %s", err)
			return nil
		}
		group, err := p.roster.Group(groupID)
		if err != nil {
			return err
		}
		if group == nil {
			p.log.Infof("ignoring key pair for unknown group %s", groupID)
			return nil
		}
		isAdmin, err := p.roster.IsAdmin(groupID, msg.Sender)
		if err != nil {
			return err
		}
		if !isAdmin {
			p.log.Warnf("ignoring key pair from non-admin %s", msg.Sender)
			return nil
		}

		var sealed []byte
		for _, w := range msg.KeyPair.Wrappers {
			if w.RecipientID == p.localID {
				sealed = w.Sealed
				break
			}
		}
		if sealed == nil {
			p.log.Debugf("no key pair wrapper addressed to us for %s", groupID)
			return nil
		}

		plaintext, err := crypto.Open(p.localSecretKey, sealed)
		if err != nil {
			p.log.Warnf("unable to decrypt key pair for %s: %s", groupID, err)
			return nil
		}
		payload, err := wire.DecodeKeyPairPayload(plaintext)
		if err != nil {
			p.log.Warnf("unable to parse key pair for %s: %s", groupID, err)
			return nil
		}

		// receive order decides which pair is latest; the sender's timestamp
		// carries no authority here
		inserted, err := p.keys.InsertIfAbsent(&keystore.KeyPair{
			ThreadID:     groupID,
			PublicKey:    payload.PublicKey,
			SecretKey:    payload.SecretKey,
			ReceivedAtMs: p.clock.CurrentTimeMs(),
		})
		if err != nil {
			return err
		}
		if inserted {
			p.log.Infof("stored rotated key pair for %s", groupID)
		}
		return nil
	})
}

func (p *Processor) handleNameChange(msg *wire.ControlMessage) error {
	return p.processIfValid(msg, gate{
		requireMember:      true,
		namespace:          configmerge.NamespaceUserGroups,
		notBeforeFormation: true,
		infoVariant:        journal.VariantGroupUpdated,
	}, func(group *roster.Group) (*outcome, error) {
		if err := p.roster.UpdateName(msg.GroupID, msg.NameChange.Name); err != nil {
			return nil, err
		}
		return &outcome{body: fmt.Sprintf("name: %s", msg.NameChange.Name)}, nil
	})
}

// handleMembersAdded upserts the added members. If the local user is an admin, the
// latest key pair is re-sent to them directly: the addition may have raced a
// removal processed by another admin while this one was offline, and without the
// compensating send the new members might never receive a usable key.
func (p *Processor) handleMembersAdded(msg *wire.ControlMessage) error {
	return p.processIfValid(msg, gate{
		requireMember: true,
		namespace:     configmerge.NamespaceUserGroups,
		infoVariant:   journal.VariantMembersAdded,
	}, func(group *roster.Group) (*outcome, error) {
		added := msg.MembersAdded.Members
		for _, m := range added {
			if err := p.roster.Upsert(&roster.Member{
				GroupID:    msg.GroupID,
				ProfileID:  m,
				Role:       roster.RoleStandard,
				RoleStatus: roster.StatusAccepted,
			}); err != nil {
				return nil, err
			}
		}

		localIsAdmin, err := p.roster.IsAdmin(msg.GroupID, p.localID)
		if err != nil {
			return nil, err
		}
		if localIsAdmin {
			targets := make([]string, 0, len(added))
			for _, m := range added {
				if m != p.localID {
					targets = append(targets, m)
				}
			}
			if len(targets) > 0 {
				if _, err := p.jobs.Schedule(jobs.KindKeyDistribution, msg.GroupID, &jobs.KeyDistributionDetails{
					GroupID:   msg.GroupID,
					MemberIDs: targets,
				}); err != nil {
					return nil, err
				}
			}
		}
		return &outcome{body: strings.Join(added, ",")}, nil
	})
}

// handleMembersRemoved deletes the named members. The founding admin must remain a
// member afterwards; a removal that would orphan the group is invalid in its
// entirety. If the local user is among the removed, all local group data is wiped.
func (p *Processor) handleMembersRemoved(msg *wire.ControlMessage) error {
	return p.processIfValid(msg, gate{
		requireAdmin: true,
		namespace:    configmerge.NamespaceUserGroups,
		infoVariant:  journal.VariantMembersRemoved,
	}, func(group *roster.Group) (*outcome, error) {
		removed := msg.MembersRemoved.Members
		if slices.Contains(removed, group.FoundingAdmin) {
			p.log.Warnf("Ignoring invalid closed group update for %s", msg.GroupID)
			return &outcome{skipInfo: true}, nil
		}

		if slices.Contains(removed, p.localID) {
			if err := p.wipeGroup(msg.GroupID); err != nil {
				return nil, err
			}
			return &outcome{skipInfo: true}, nil
		}

		if err := p.roster.Remove(msg.GroupID, removed); err != nil {
			return nil, err
		}
		return &outcome{body: strings.Join(removed, ",")}, nil
	})
}

// handleMemberLeft demotes the leaver to a zombie pending an admin purge. A leave
// by the founding admin disbands the group for everyone.
func (p *Processor) handleMemberLeft(msg *wire.ControlMessage) error {
	return p.processIfValid(msg, gate{
		requireMember:      true,
		notBeforeFormation: true,
		infoVariant:        journal.VariantMemberLeft,
	}, func(group *roster.Group) (*outcome, error) {
		if msg.Sender == group.FoundingAdmin {
			if err := p.wipeGroup(msg.GroupID); err != nil {
				return nil, err
			}
			return &outcome{skipInfo: true}, nil
		}

		if err := p.roster.Upsert(&roster.Member{
			GroupID:    msg.GroupID,
			ProfileID:  msg.Sender,
			Role:       roster.RoleZombie,
			RoleStatus: roster.StatusAccepted,
		}); err != nil {
			return nil, err
		}
		return &outcome{body: msg.Sender}, nil
	})
}

// wipeGroup removes every trace of a group: metadata, members, key pairs, config
// timestamps, journal entries and queued jobs, then stops polling and push.
func (p *Processor) wipeGroup(groupID string) error {
	if err := p.roster.DestroyGroup(groupID); err != nil {
		return err
	}
	if err := p.keys.WipeGroup(groupID); err != nil {
		return err
	}
	if err := p.merge.Forget(groupID); err != nil {
		return err
	}
	if err := p.journal.WipeThread(groupID); err != nil {
		return err
	}
	if err := p.jobs.WipeThread(groupID); err != nil {
		return err
	}
	p.db.AfterCommit(func() {
		p.poller.Stop(groupID)
		if err := p.push.Unsubscribe([]string{groupID}); err != nil {
			p.log.Warnf("error unsubscribing push for %s: %#v", groupID, err)
		}
	})
	return nil
}
