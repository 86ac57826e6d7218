package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromPublicKeyRoundTrip(t *testing.T) {
	pub := make([]byte, 32)
	for i := range pub {
		pub[i] = byte(i)
	}
	id := FromPublicKey(pub)
	require.Len(t, id, EncodedLen)
	require.True(t, strings.HasPrefix(id, "05"))
	require.NoError(t, Validate(id))

	got, err := PublicKey(id)
	require.NoError(t, err)
	require.Equal(t, pub, got)
}

func TestValidateRejectsBadIds(t *testing.T) {
	require.Error(t, Validate(""))
	require.Error(t, Validate("05abcd"))
	require.Error(t, Validate(strings.Repeat("zz", 33)))
	// right shape, wrong prefix
	require.Error(t, Validate("04"+strings.Repeat("ab", 32)))
}

func TestNewGroupIDIsValid(t *testing.T) {
	a := NewGroupID()
	b := NewGroupID()
	require.NoError(t, Validate(a))
	require.NoError(t, Validate(b))
	require.NotEqual(t, a, b)
}
