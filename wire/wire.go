// Package wire defines the group control messages exchanged between members and their
// CBOR encoding. A control message is a tagged union over Kind; exactly one payload
// field is set for a given kind.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type Kind uint8

const (
	KindNew Kind = iota + 1
	KindEncryptionKeyPair
	KindNameChange
	KindMembersAdded
	KindMembersRemoved
	KindMemberLeft
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindEncryptionKeyPair:
		return "encryptionKeyPair"
	case KindNameChange:
		return "nameChange"
	case KindMembersAdded:
		return "membersAdded"
	case KindMembersRemoved:
		return "membersRemoved"
	case KindMemberLeft:
		return "memberLeft"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// NewGroup announces group formation to each initial member.
type NewGroup struct {
	Name              string   `cbor:"n"`
	Members           []string `cbor:"m"`
	Admins            []string `cbor:"a"`
	EncPublicKey      []byte   `cbor:"ek"`
	EncSecretKey      []byte   `cbor:"sk"`
	ExpirationTimerMs uint64   `cbor:"x,omitempty"`
}

// KeyPairWrapper carries a group key pair sealed to a single recipient.
type KeyPairWrapper struct {
	RecipientID string `cbor:"r"`
	Sealed      []byte `cbor:"c"`
}

// EncryptionKeyPair distributes a (possibly rotated) group key pair. GroupID is set
// when the message is delivered outside the group's own thread.
type EncryptionKeyPair struct {
	GroupID  string           `cbor:"g,omitempty"`
	Wrappers []KeyPairWrapper `cbor:"w"`
}

type NameChange struct {
	Name string `cbor:"n"`
}

type MemberList struct {
	Members []string `cbor:"m"`
}

type MemberLeft struct{}

// ControlMessage is the envelope for all group control traffic.
type ControlMessage struct {
	Sender   string `cbor:"s"`
	GroupID  string `cbor:"g"`
	SentAtMs uint64 `cbor:"t"`
	Kind     Kind   `cbor:"k"`

	New            *NewGroup          `cbor:"new,omitempty"`
	KeyPair        *EncryptionKeyPair `cbor:"kp,omitempty"`
	NameChange     *NameChange        `cbor:"nc,omitempty"`
	MembersAdded   *MemberList        `cbor:"ma,omitempty"`
	MembersRemoved *MemberList        `cbor:"mr,omitempty"`
	MemberLeft     *MemberLeft        `cbor:"ml,omitempty"`
}

// KeyPairPayload is the plaintext inside a KeyPairWrapper's sealed field.
type KeyPairPayload struct {
	PublicKey []byte `cbor:"pk"`
	SecretKey []byte `cbor:"sk"`
}

func EncodeKeyPairPayload(p *KeyPairPayload) ([]byte, error) {
	return encMode.Marshal(p)
}

func DecodeKeyPairPayload(b []byte) (*KeyPairPayload, error) {
	p := &KeyPairPayload{}
	if err := cbor.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if len(p.PublicKey) != 32 || len(p.SecretKey) != 32 {
		return nil, fmt.Errorf("%w: bad key lengths", ErrMalformed)
	}
	return p, nil
}

var (
	ErrMalformed = errors.New("wire: malformed control message")

	encMode cbor.EncMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

func Encode(m *ControlMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(m)
}

func Decode(b []byte) (*ControlMessage, error) {
	m := &ControlMessage{}
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the envelope carries exactly the payload its kind requires.
func (m *ControlMessage) Validate() error {
	if m.Sender == "" || m.GroupID == "" || m.SentAtMs == 0 {
		return fmt.Errorf("%w: missing envelope fields", ErrMalformed)
	}

	var want, got int
	count := func(set bool) {
		if set {
			got++
		}
	}
	count(m.New != nil)
	count(m.KeyPair != nil)
	count(m.NameChange != nil)
	count(m.MembersAdded != nil)
	count(m.MembersRemoved != nil)
	count(m.MemberLeft != nil)
	want = 1

	var ok bool
	switch m.Kind {
	case KindNew:
		ok = m.New != nil
		if ok && (m.New.Name == "" || len(m.New.EncPublicKey) != 32 || len(m.New.EncSecretKey) != 32) {
			return fmt.Errorf("%w: incomplete new-group payload", ErrMalformed)
		}
	case KindEncryptionKeyPair:
		ok = m.KeyPair != nil
	case KindNameChange:
		ok = m.NameChange != nil && m.NameChange.Name != ""
	case KindMembersAdded:
		ok = m.MembersAdded != nil && len(m.MembersAdded.Members) > 0
	case KindMembersRemoved:
		ok = m.MembersRemoved != nil && len(m.MembersRemoved.Members) > 0
	case KindMemberLeft:
		ok = m.MemberLeft != nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, m.Kind)
	}
	if !ok || got != want {
		return fmt.Errorf("%w: payload does not match kind %s", ErrMalformed, m.Kind)
	}
	return nil
}
