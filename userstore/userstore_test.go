package userstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "users.txt"))
}

func TestAddAndVerify(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Add("alice", "s3cret"))

	assert.True(t, s.Exists("alice"))
	assert.False(t, s.Exists("bob"))

	assert.True(t, s.Verify("alice", "s3cret"))
	assert.False(t, s.Verify("alice", "wrong"))
	assert.False(t, s.Verify("bob", "s3cret"))
}

func TestAddDuplicate(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Add("alice", "one"))
	assert.Error(t, s.Add("alice", "two"))
}

func TestAddRejectsBadUsername(t *testing.T) {
	s := newTestStore(t)

	assert.Error(t, s.Add("", "pw"))
	assert.Error(t, s.Add("a:b", "pw"))
}

func TestMissingFileReadsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent.txt"))
	assert.False(t, s.Exists("anyone"))
	assert.False(t, s.Verify("anyone", "pw"))
}

func TestReloadPicksUpExternalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.txt")
	s := New(path)

	// Prime the cache
	require.False(t, s.Exists("carol"))

	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("# accounts\ncarol:"+string(hash)+"\n"), 0600))

	require.False(t, s.Exists("carol"), "cache still answers until reload")

	s.Reload()
	assert.True(t, s.Exists("carol"))
	assert.True(t, s.Verify("carol", "pw"))
}
