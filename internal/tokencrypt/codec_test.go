package tokencrypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	codec := New("unit-test-secret")
	payload := []byte(`{"access_token":"abc","refresh_token":"def"}`)

	sealed, err := codec.Encrypt(payload)
	require.NoError(t, err)
	require.True(t, IsEncrypted(sealed))
	require.NotEqual(t, payload, sealed)

	opened, err := codec.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, payload, opened)
}

func TestDifferentKeysDiverge(t *testing.T) {
	payload := []byte("same plaintext")

	a, err := New("key-one").Encrypt(payload)
	require.NoError(t, err)
	b, err := New("key-two").Encrypt(payload)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestWrongKeyFails(t *testing.T) {
	sealed, err := New("right-key").Encrypt([]byte("secret data"))
	require.NoError(t, err)

	_, err = New("wrong-key").Decrypt(sealed)
	require.ErrorIs(t, err, ErrCiphertextInvalid)
}

func TestNoKeyPassthrough(t *testing.T) {
	codec := New("")
	payload := []byte("plain payload")

	out, err := codec.Encrypt(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
	assert.False(t, IsEncrypted(out))

	opened, err := codec.Decrypt(out)
	require.NoError(t, err)
	assert.Equal(t, payload, opened)
}

func TestCiphertextWithoutKey(t *testing.T) {
	sealed, err := New("some-key").Encrypt([]byte("data"))
	require.NoError(t, err)

	_, err = New("").Decrypt(sealed)
	require.ErrorIs(t, err, ErrKeyMissing)
}

func TestTruncatedCiphertext(t *testing.T) {
	codec := New("some-key")
	_, err := codec.Decrypt([]byte("dgv1::x"))
	require.ErrorIs(t, err, ErrCiphertextInvalid)
}

func TestRawKeyLengthUsedDirectly(t *testing.T) {
	raw := "0123456789abcdef0123456789abcdef" // 32 bytes
	assert.Equal(t, []byte(raw), deriveKey(raw))
	assert.Len(t, deriveKey("short"), 32)
}

func TestSecretRotationPickedUp(t *testing.T) {
	secret := "first"
	codec := NewWithSource(func() string { return secret })

	sealed, err := codec.Encrypt([]byte("payload"))
	require.NoError(t, err)

	secret = "second"
	_, err = codec.Decrypt(sealed)
	require.ErrorIs(t, err, ErrCiphertextInvalid)

	secret = "first"
	opened, err := codec.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), opened)
}
