package regtoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("registration-signing-key-0123456789")

func TestIssueVerify(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	iss, err := New(testKey, func() time.Time { return now })
	require.NoError(t, err)

	tok, exp, err := iss.Issue("edge-42", "geo-sur", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), exp)

	claims, err := iss.Verify(tok, "edge-42", "geo-sur")
	require.NoError(t, err)
	assert.Equal(t, "edge-42", claims.Subject)
	assert.Equal(t, "geo-sur", claims.GeoID)

	_, err = iss.Verify(tok, "edge-43", "geo-sur")
	assert.ErrorIs(t, err, ErrMismatch)
	_, err = iss.Verify(tok, "edge-42", "geo-norte")
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestVerify_AnyGeo(t *testing.T) {
	iss, err := New(testKey, nil)
	require.NoError(t, err)
	tok, _, err := iss.Issue("edge-1", "", time.Hour)
	require.NoError(t, err)

	_, err = iss.Verify(tok, "edge-1", "whatever")
	assert.NoError(t, err)
}

func TestParse_Expired(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := now
	iss, err := New(testKey, func() time.Time { return clock })
	require.NoError(t, err)

	tok, _, err := iss.Issue("edge-1", "", time.Minute)
	require.NoError(t, err)

	clock = now.Add(2 * time.Minute)
	_, err = iss.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_WrongKey(t *testing.T) {
	a, _ := New(testKey, nil)
	b, _ := New([]byte("another-registration-key-abcdefgh"), nil)

	tok, _, err := a.Issue("edge-1", "", time.Hour)
	require.NoError(t, err)

	_, err = b.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = a.Parse("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNew_ShortKey(t *testing.T) {
	_, err := New([]byte("short"), nil)
	assert.ErrorIs(t, err, ErrNoKey)
}
