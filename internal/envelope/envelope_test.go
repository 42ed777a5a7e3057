package envelope

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)
	attrs := Attrs{UserID: "u", ProjectID: "p", SessionID: "s", Channel: "req", Type: "tool", Seq: 7}
	plaintext := []byte(`{"hello":"world"}`)

	env, err := Encrypt(plaintext, key, attrs)
	require.NoError(t, err)
	assert.Equal(t, Scheme, env.V)

	out, err := Decrypt(env, key, attrs)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestDecryptFailsOnAADMismatch(t *testing.T) {
	key := testKey(t)
	attrs := Attrs{UserID: "u", ProjectID: "p", SessionID: "s", Channel: "req", Type: "tool", Seq: 7}
	env, err := Encrypt([]byte(`{"a":1}`), key, attrs)
	require.NoError(t, err)

	mismatched := attrs
	mismatched.Seq = 8
	_, err = Decrypt(env, key, mismatched)
	require.Error(t, err)
	var envErr *Error
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, AuthFailed, envErr.Kind)
}

func TestDecryptRejectsUnsupportedScheme(t *testing.T) {
	key := testKey(t)
	env := &Envelope{V: "rot13:v0", N: "", CT: "", Tag: ""}
	_, err := Decrypt(env, key, Attrs{})
	var envErr *Error
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, SchemeUnsupported, envErr.Kind)
}

func TestEncryptRejectsInvalidKeyLength(t *testing.T) {
	_, err := Encrypt([]byte("{}"), make([]byte, 16), Attrs{})
	var envErr *Error
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, KeyInvalid, envErr.Kind)
}

func TestFingerprintIsEightChars(t *testing.T) {
	key := testKey(t)
	assert.Len(t, Fingerprint(key), 8)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	secret := []byte("master-secret")
	salt := []byte("session-salt")
	k1, err := DeriveKey(secret, salt, "toolbridge")
	require.NoError(t, err)
	k2, err := DeriveKey(secret, salt, "toolbridge")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
}
