package encryption

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageCipherRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key := DeriveKey("secret", salt[:])
	require.Len(t, key, KeySize)

	c, err := NewPageCipher(key)
	require.NoError(t, err)

	page := bytes.Repeat([]byte("gojolite"), 1024)
	enc := make([]byte, len(page))
	c.Encrypt(enc, page, 7)
	require.NotEqual(t, page, enc)

	// The same plaintext at another sector encrypts differently.
	other := make([]byte, len(page))
	c.Encrypt(other, page, 8)
	require.NotEqual(t, enc, other)

	dec := make([]byte, len(page))
	c.Decrypt(dec, enc, 7)
	require.Equal(t, page, dec)
}

func TestKeyCheck(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key := DeriveKey("secret", salt[:])
	check := KeyCheck(key)

	require.True(t, VerifyKey(key, check))
	require.False(t, VerifyKey(DeriveKey("wrong", salt[:]), check))

	_, err = NewPageCipher(key[:32])
	require.Error(t, err)
}
