package xcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderEncryptDecryptRoundTrip(t *testing.T) {
	r1, err := GenerateDhKeyPair()
	require.NoError(t, err)
	r2, err := GenerateDhKeyPair()
	require.NoError(t, err)

	msg, err := EncryptHeader([]byte("hello recipients"), [][32]byte{r1.Public, r2.Public})
	require.NoError(t, err)
	require.Len(t, msg.Headers, 2)

	pt1, err := DecryptHeader(msg, r1.Public, r1.Private)
	require.NoError(t, err)
	require.Equal(t, []byte("hello recipients"), pt1)

	pt2, err := DecryptHeader(msg, r2.Public, r2.Private)
	require.NoError(t, err)
	require.Equal(t, []byte("hello recipients"), pt2)
}

func TestHeaderEncryptRequiresAtLeastOneRecipient(t *testing.T) {
	_, err := EncryptHeader([]byte("x"), nil)
	require.Error(t, err)
}

func TestHeaderDecryptFailsForNonRecipient(t *testing.T) {
	r1, err := GenerateDhKeyPair()
	require.NoError(t, err)
	outsider, err := GenerateDhKeyPair()
	require.NoError(t, err)

	msg, err := EncryptHeader([]byte("hello"), [][32]byte{r1.Public})
	require.NoError(t, err)

	_, err = DecryptHeader(msg, outsider.Public, outsider.Private)
	require.Error(t, err)
}
