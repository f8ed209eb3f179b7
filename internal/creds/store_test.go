package creds

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	s := NewStore(path, "")

	require.NoError(t, s.Put(Account{
		Nickname:  "alice",
		Username:  "alice@example.com",
		Cookie:    "JSESSIONID=abc",
		ExpiresAt: time.Now().Add(4 * time.Hour),
	}))
	require.NoError(t, s.Put(Account{Nickname: "bob", Cookie: "JSESSIONID=def"}))

	got, err := s.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "JSESSIONID=abc", got.Cookie)
	assert.False(t, got.UpdatedAt.IsZero())

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alice", all[0].Nickname, "list is sorted by nickname")

	_, err = s.Get("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreEncryptedAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	s := NewStore(path, "hunter2-but-longer")

	require.NoError(t, s.Put(Account{Nickname: "alice", Cookie: "SECRET-COOKIE"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "SECRET-COOKIE")
	assert.False(t, json.Valid(raw), "sealed file must not be plaintext JSON")

	// same passphrase reads it back
	again := NewStore(path, "hunter2-but-longer")
	got, err := again.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "SECRET-COOKIE", got.Cookie)

	// wrong passphrase fails rather than returning garbage
	wrong := NewStore(path, "not-the-passphrase")
	_, err = wrong.Get("alice")
	assert.Error(t, err)
}

func TestStoreWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	s := NewStore(path, "")

	require.NoError(t, s.Put(Account{Nickname: "alice", Cookie: "c"}))

	// no temp files survive a completed write
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "creds.json", entries[0].Name())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestUpdateSessionClearsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	s := NewStore(path, "")

	require.NoError(t, s.Put(Account{Nickname: "alice", Cookie: "old"}))
	require.NoError(t, s.Invalidate("alice"))

	got, _ := s.Get("alice")
	require.True(t, got.Invalid)

	exp := time.Now().Add(4 * time.Hour)
	require.NoError(t, s.UpdateSession("alice", "new-cookie", exp))
	got, err := s.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "new-cookie", got.Cookie)
	assert.False(t, got.Invalid, "a refreshed session is trusted again")

	assert.ErrorIs(t, s.UpdateSession("nobody", "c", exp), ErrNotFound)
}

func TestUsableFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	s := NewStore(path, "")
	now := time.Now()

	require.NoError(t, s.Put(Account{Nickname: "fresh", Cookie: "c", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.Put(Account{Nickname: "expired", Cookie: "c", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, s.Put(Account{Nickname: "empty"}))
	require.NoError(t, s.Put(Account{Nickname: "flagged", Cookie: "c"}))
	require.NoError(t, s.Invalidate("flagged"))

	out, err := s.Usable(nil, now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "fresh", out[0].Nickname)

	// explicit selection preserves the requested order
	require.NoError(t, s.Put(Account{Nickname: "second", Cookie: "c"}))
	out, err = s.Usable([]string{"second", "fresh", "expired"}, now)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "second", out[0].Nickname)
	assert.Equal(t, "fresh", out[1].Nickname)
}
