package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validMessage() *ControlMessage {
	return &ControlMessage{
		Sender:     "05aa",
		GroupID:    "05bb",
		SentAtMs:   1000,
		Kind:       KindNameChange,
		NameChange: &NameChange{Name: "x"},
	}
}

func TestRoundTrip(t *testing.T) {
	msg := validMessage()
	b, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, msg.Kind, decoded.Kind)
	require.Equal(t, "x", decoded.NameChange.Name)
}

func TestDecodeGarbageIsMalformed(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x01, 0x02})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestValidateRejectsMissingEnvelope(t *testing.T) {
	msg := validMessage()
	msg.Sender = ""
	require.ErrorIs(t, msg.Validate(), ErrMalformed)

	msg = validMessage()
	msg.SentAtMs = 0
	require.ErrorIs(t, msg.Validate(), ErrMalformed)
}

func TestValidateRejectsPayloadKindMismatch(t *testing.T) {
	msg := validMessage()
	msg.Kind = KindMemberLeft
	require.ErrorIs(t, msg.Validate(), ErrMalformed)

	// two payloads set at once
	msg = validMessage()
	msg.MemberLeft = &MemberLeft{}
	require.ErrorIs(t, msg.Validate(), ErrMalformed)

	msg = validMessage()
	msg.Kind = Kind(99)
	require.ErrorIs(t, msg.Validate(), ErrMalformed)
}

func TestValidateRejectsIncompleteNewGroup(t *testing.T) {
	msg := &ControlMessage{
		Sender:   "05aa",
		GroupID:  "05bb",
		SentAtMs: 1000,
		Kind:     KindNew,
		New: &NewGroup{
			Name:         "g",
			EncPublicKey: make([]byte, 16), // wrong length
			EncSecretKey: make([]byte, 32),
		},
	}
	require.ErrorIs(t, msg.Validate(), ErrMalformed)
}

func TestValidateRejectsEmptyMemberList(t *testing.T) {
	msg := &ControlMessage{
		Sender:       "05aa",
		GroupID:      "05bb",
		SentAtMs:     1000,
		Kind:         KindMembersAdded,
		MembersAdded: &MemberList{},
	}
	require.ErrorIs(t, msg.Validate(), ErrMalformed)
}

func TestKeyPairPayloadLengthCheck(t *testing.T) {
	b, err := EncodeKeyPairPayload(&KeyPairPayload{
		PublicKey: make([]byte, 32),
		SecretKey: make([]byte, 16),
	})
	require.NoError(t, err)
	_, err = DecodeKeyPairPayload(b)
	require.ErrorIs(t, err, ErrMalformed)
}
