package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEncryptor(t *testing.T) *AESEncryptor {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	enc, err := NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return enc
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{name: "empty key", key: "", errorMsg: "encryption key is empty"},
		{name: "invalid base64", key: "not-valid-base64!@#$", errorMsg: "base64 decode failed"},
		{name: "key too short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), errorMsg: "must be 32 bytes"},
		{name: "key too long", key: base64.StdEncoding.EncodeToString(make([]byte, 64)), errorMsg: "must be 32 bytes"},
		{name: "valid 32-byte key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.errorMsg != "" {
				assert.ErrorContains(t, err, tt.errorMsg)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, enc)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)
	for _, plaintext := range []string{"a", "refresh-token-value", string(make([]byte, 4096))} {
		ct, err := EncryptString(enc, plaintext, "oauth/x/refresh")
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ct)

		pt, err := DecryptString(enc, ct, "oauth/x/refresh")
		require.NoError(t, err)
		assert.Equal(t, plaintext, pt)
	}
}

func TestNonceIsFresh(t *testing.T) {
	enc := newTestEncryptor(t)
	a, err := EncryptString(enc, "same", "l")
	require.NoError(t, err)
	b, err := EncryptString(enc, "same", "l")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestLabelMismatchFails(t *testing.T) {
	enc := newTestEncryptor(t)
	ct, err := EncryptString(enc, "secret", "oauth/x/access")
	require.NoError(t, err)

	_, err = DecryptString(enc, ct, "oauth/x/refresh")
	assert.ErrorIs(t, err, ErrOpen)
}

func TestTamperingDetected(t *testing.T) {
	enc := newTestEncryptor(t)
	ct, err := enc.Encrypt([]byte("secret"), "l")
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xff

	_, err = enc.Decrypt(ct, "l")
	assert.ErrorIs(t, err, ErrOpen)
}

func TestWrongKeyFails(t *testing.T) {
	ct, err := EncryptString(newTestEncryptor(t), "secret", "l")
	require.NoError(t, err)
	_, err = DecryptString(newTestEncryptor(t), ct, "l")
	assert.ErrorIs(t, err, ErrOpen)
}

func TestShortAndEmptyInputs(t *testing.T) {
	enc := newTestEncryptor(t)

	_, err := enc.Encrypt(nil, "l")
	assert.Error(t, err)

	_, err = enc.Decrypt([]byte{1, 2, 3}, "l")
	assert.ErrorContains(t, err, "too short")

	s, err := EncryptString(enc, "", "l")
	require.NoError(t, err)
	assert.Empty(t, s)

	s, err = DecryptString(enc, "", "l")
	require.NoError(t, err)
	assert.Empty(t, s)

	_, err = DecryptString(enc, "%%%", "l")
	assert.ErrorContains(t, err, "base64")
}
