package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions([]byte("secret"))

	token, expireAt, err := Generate(opts, "u1", "alice")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(opts.TTL), expireAt, 5*time.Second)

	claims, err := Verify(opts, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, _, err := Generate(DefaultOptions([]byte("secret-a")), "u1", "alice")
	require.NoError(t, err)

	_, err = Verify(DefaultOptions([]byte("secret-b")), token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	opts := Options{Secret: []byte("secret"), TTL: time.Nanosecond}
	token, _, err := Generate(opts, "u1", "alice")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = Verify(opts, token)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := Verify(DefaultOptions([]byte("secret")), "not.a.token")
	assert.Error(t, err)
}
