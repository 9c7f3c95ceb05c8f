package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestOpen_GeneratesAndPersistsToken(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "api_token")
	keysPath := filepath.Join(dir, "authorized_keys")

	g, err := Open(tokenPath, keysPath)
	require.NoError(t, err)
	assert.NotEmpty(t, g.Token())

	info, err := os.Stat(tokenPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Reopening loads the same persisted token rather than generating a new one.
	g2, err := Open(tokenPath, keysPath)
	require.NoError(t, err)
	assert.Equal(t, g.Token(), g2.Token())
}

func TestAuthorized_LoopbackBypassesToken(t *testing.T) {
	dir := t.TempDir()
	g, err := Open(filepath.Join(dir, "api_token"), filepath.Join(dir, "authorized_keys"))
	require.NoError(t, err)

	assert.True(t, g.Authorized("127.0.0.1:54321", ""))
	assert.True(t, g.Authorized("[::1]:54321", "Bearer wrong-token"))
}

func TestAuthorized_NonLoopbackRequiresValidToken(t *testing.T) {
	dir := t.TempDir()
	g, err := Open(filepath.Join(dir, "api_token"), filepath.Join(dir, "authorized_keys"))
	require.NoError(t, err)

	assert.False(t, g.Authorized("203.0.113.4:1234", ""))
	assert.False(t, g.Authorized("203.0.113.4:1234", "Bearer not-the-token"))
	assert.True(t, g.Authorized("203.0.113.4:1234", "Bearer "+g.Token()))
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, IsLoopback("127.0.0.1:8080"))
	assert.True(t, IsLoopback("[::1]:8080"))
	assert.False(t, IsLoopback("203.0.113.4:8080"))
	assert.False(t, IsLoopback("not-an-addr"))
}

func TestAuthorizeSSHKey_RejectsInvalidKey(t *testing.T) {
	dir := t.TempDir()
	g, err := Open(filepath.Join(dir, "api_token"), filepath.Join(dir, "authorized_keys"))
	require.NoError(t, err)

	err = g.AuthorizeSSHKey("not a valid key")
	assert.Error(t, err)
}

func TestAuthorizeSSHKey_AppendsValidKey(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "authorized_keys")
	g, err := Open(filepath.Join(dir, "api_token"), keysPath)
	require.NoError(t, err)

	key := generateAuthorizedKeyLine(t, "test@nexus")
	err = g.AuthorizeSSHKey(key)
	require.NoError(t, err)

	data, err := os.ReadFile(keysPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "test@nexus")
}

func generateAuthorizedKeyLine(t *testing.T, comment string) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	line := string(ssh.MarshalAuthorizedKey(sshPub))
	return line[:len(line)-1] + " " + comment // strip trailing newline, append comment
}
