package server

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func hashFor(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "accounts")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAccountsParsesActionsAndComments(t *testing.T) {
	content := fmt.Sprintf(`# header comment

alice:%s:Team lead:forceBuild, prStopBuild
bob:%s
`, hashFor(t, "pw1"), hashFor(t, "pw2"))
	a, err := LoadAccounts(writeFile(t, t.TempDir(), content))
	require.NoError(t, err)

	assert.True(t, a.Authenticate("alice", "pw1"))
	assert.False(t, a.Authenticate("alice", "pw2"))
	assert.False(t, a.Authenticate("eve", "pw1"))
	assert.True(t, a.Authenticate("bob", "pw2"))

	assert.True(t, a.Allowed("alice", ActionForceBuild))
	assert.True(t, a.Allowed("alice", ActionStopBuild))
	assert.False(t, a.Allowed("alice", ActionRevertBuild))
	// bob's line has no actions field at all.
	assert.False(t, a.Allowed("bob", ActionForceBuild))
}

func TestLoadAccountsRejectsMalformedLine(t *testing.T) {
	_, err := LoadAccounts(writeFile(t, t.TempDir(), "not-a-valid-line\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestNilAccountsDenyEverything(t *testing.T) {
	var a *Accounts
	assert.False(t, a.Authenticate("alice", "pw"))
	assert.False(t, a.Allowed("alice", ActionForceBuild))
	assert.NoError(t, a.Close())
}

func TestReloadDropsRemovedUsers(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, fmt.Sprintf("alice:%s\n", hashFor(t, "pw1")))
	a, err := LoadAccounts(path)
	require.NoError(t, err)
	require.True(t, a.Authenticate("alice", "pw1"))

	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("carol:%s\n", hashFor(t, "pw3"))), 0o600))
	require.NoError(t, a.Reload())

	assert.False(t, a.Authenticate("alice", "pw1"))
	assert.True(t, a.Authenticate("carol", "pw3"))
}

func TestWatchPicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, fmt.Sprintf("alice:%s\n", hashFor(t, "pw1")))
	a, err := LoadAccounts(path)
	require.NoError(t, err)
	require.NoError(t, a.Watch())
	t.Cleanup(func() { _ = a.Close() })

	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("dave:%s\n", hashFor(t, "pw4"))), 0o600))

	assert.Eventually(t, func() bool {
		return a.Authenticate("dave", "pw4")
	}, 5*time.Second, 50*time.Millisecond)
}
