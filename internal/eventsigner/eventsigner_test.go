package eventsigner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_SignVerifyRoundTrip(t *testing.T) {
	s, err := New("test-secret")
	require.NoError(t, err)

	env, err := s.Sign("tenant-a", "timer:tenant-a:1:0", nil, "Scheduled", map[string]any{"name": "reminder"}, time.Now())
	require.NoError(t, err)

	ok, err := s.Verify(env)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSigner_VerifyRejectsTamperedPayload(t *testing.T) {
	s, err := New("test-secret")
	require.NoError(t, err)

	env, err := s.Sign("tenant-a", "timer:tenant-a:1:0", nil, "Scheduled", map[string]any{"name": "reminder"}, time.Now())
	require.NoError(t, err)

	env.Event.Data = map[string]any{"name": "tampered"}

	ok, err := s.Verify(env)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSigner_VerifyRejectsWrongSecret(t *testing.T) {
	signer1, err := New("secret-one")
	require.NoError(t, err)
	signer2, err := New("secret-two")
	require.NoError(t, err)

	env, err := signer1.Sign("tenant-a", "timer:tenant-a:1:0", nil, "Fired", nil, time.Now())
	require.NoError(t, err)

	ok, err := signer2.Verify(env)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNew_RejectsEmptySecret(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestCanonicalJSON_KeyOrderIndependent(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}})
	require.NoError(t, err)

	b, err := CanonicalJSON(map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 2, "b": 1})
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
}
