// Package transport declares the network-facing collaborators the group engine
// drives. The engine never blocks a transaction on any of these: sends are
// asynchronous and at-least-once, push registration is fire-and-forget, and
// config-service writes are local-first and synced in the background.
package transport

// Sender delivers an encoded message to every device watching a thread. An error
// means the message could not be handed off, not that delivery failed.
type Sender interface {
	Send(threadID string, body []byte) error
}

// PushRegistrar manages push-notification subscriptions. All operations are
// idempotent and safe to invoke redundantly.
type PushRegistrar interface {
	Subscribe(sessionIDs []string) error
	Unsubscribe(sessionIDs []string) error
	UnrevokeSubaccounts(groupID string, tokens [][]byte) error
	RevokeSubaccount(groupID string, token []byte) error
}

// AuthData is the per-member authentication material an invite carries.
type AuthData struct {
	MemberID string
	Token    []byte
}

// ConfigService is the merged-config layer the engine calls for group identity,
// membership config and key scheduling. Writes apply locally first and sync
// asynchronously; reads return the latest locally-merged state.
type ConfigService interface {
	CreateGroup(name string, memberIDs []string) (groupID string, groupSecret []byte, err error)
	GenerateAuthData(groupID, memberID string) (*AuthData, error)
	GenerateSubaccountToken(groupID, memberID string) ([]byte, error)
	UpdateMemberStatus(groupID, memberID string, roleStatus int) error
	AddMembers(groupID string, memberIDs []string) error
	RemoveMembers(groupID string, memberIDs []string) error
	Rekey(groupID string) error
}

// Uploader stores a display picture and returns its URL.
type Uploader interface {
	Upload(data []byte) (string, error)
}
