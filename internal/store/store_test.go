package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := NewAt(t.TempDir())
	_, err := s.Get("abc123", "tokens.json")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s := NewAt(t.TempDir())
	require.NoError(t, s.Put("abc123", "tokens.json", []byte(`{"access_token":"T"}`)))

	got, err := s.Get("abc123", "tokens.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"access_token":"T"}`, string(got))
}

func TestPutCreatesDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "dir")
	s := NewAt(root)
	require.NoError(t, s.Put("fp", "x.txt", []byte("v")))

	got, err := s.Get("fp", "x.txt")
	require.NoError(t, err)
	require.Equal(t, "v", string(got))
}

func TestDeleteAbsentIsNotAnError(t *testing.T) {
	s := NewAt(t.TempDir())
	require.NoError(t, s.Delete("fp", "tokens.json"))
}

func TestTokenBundleRoundTrip(t *testing.T) {
	s := NewAt(t.TempDir())
	expires := 3600
	want := &TokenBundle{AccessToken: "T", TokenType: "Bearer", ExpiresIn: &expires}

	require.NoError(t, s.PutTokens("fp", want))
	got, err := s.GetTokens("fp")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDeleteTokensThenGetNotFound(t *testing.T) {
	s := NewAt(t.TempDir())
	require.NoError(t, s.PutTokens("fp", &TokenBundle{AccessToken: "T"}))
	require.NoError(t, s.DeleteTokens("fp"))

	_, err := s.GetTokens("fp")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestVerifierWriteReadDelete(t *testing.T) {
	s := NewAt(t.TempDir())
	require.NoError(t, s.PutVerifier("fp", "verifier-value"))

	v, err := s.GetVerifier("fp")
	require.NoError(t, err)
	require.Equal(t, "verifier-value", v)

	require.NoError(t, s.DeleteVerifier("fp"))
	_, err = s.GetVerifier("fp")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLockfileRoundTrip(t *testing.T) {
	s := NewAt(t.TempDir())
	want := &Lockfile{PID: 123, Port: 4711, TimestampMs: 1700000000000}
	require.NoError(t, s.PutLockfile("fp", want))

	got, err := s.GetLockfile("fp")
	require.NoError(t, err)
	require.Equal(t, want, got)
}
