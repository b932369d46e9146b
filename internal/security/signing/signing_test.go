package signing

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_Deterministic(t *testing.T) {
	a := Canonical("post", "/sync/push", "2025-06-01T10:00:00Z", []byte(`{"a":1}`))
	b := Canonical("POST", "/sync/push", "2025-06-01T10:00:00Z", []byte(`{"a":1}`))
	assert.Equal(t, a, b)

	c := Canonical("POST", "/sync/push", "2025-06-01T10:00:01Z", []byte(`{"a":1}`))
	assert.NotEqual(t, a, c)

	d := Canonical("POST", "/sync/push", "2025-06-01T10:00:00Z", []byte(`{"a":2}`))
	assert.NotEqual(t, a, d)

	e := Canonical("GET", "/sync/changes?since=10", "2025-06-01T10:00:00Z", nil)
	f := Canonical("GET", "/sync/changes?since=11", "2025-06-01T10:00:00Z", nil)
	assert.NotEqual(t, e, f)
}

func TestSignVerify(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	payload := Canonical("POST", "/sync/heartbeat", "2025-06-01T10:00:00Z", []byte(`{}`))

	sig := Sign(secret, payload)
	require.Len(t, sig, 64)
	assert.True(t, Verify(secret, payload, sig))
	assert.True(t, Verify(secret, payload, " "+sig+" "))

	assert.False(t, Verify([]byte("other-secret"), payload, sig))
	assert.False(t, Verify(secret, append(payload, 'x'), sig))
	assert.False(t, Verify(secret, payload, "zz"+sig[2:]))
	assert.False(t, Verify(secret, payload, sig[:10]))
	assert.False(t, Verify(secret, payload, ""))
}

func TestSHA256Hex(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", SHA256Hex(nil))
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("abc", "abc"))
	assert.False(t, ConstantTimeEqual("abc", "abd"))
	assert.False(t, ConstantTimeEqual("abc", "abcd"))
}

func TestCryptoError(t *testing.T) {
	base := errors.New("boom")
	err := error(&CryptoError{Op: "decrypt", Err: base})
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "crypto: decrypt: boom", err.Error())

	var ce *CryptoError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "decrypt", ce.Op)
}

func TestNewKey(t *testing.T) {
	a, err := NewKey()
	require.NoError(t, err)
	b, err := NewKey()
	require.NoError(t, err)

	assert.Len(t, a, 2*KeyBytes)
	_, err = hex.DecodeString(a)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
