// Package auth implements the Auth Gate of spec §4.6: a single
// bearer token persisted on disk, bypassed for loopback peers, plus
// an SSH public-key authorization store for remote session-attach.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Gate holds the server's bearer token and authorized SSH keys.
type Gate struct {
	tokenPath string
	keysPath  string

	mu    sync.RWMutex
	token string
}

// Open loads (or generates and persists) the bearer token at
// tokenPath, 0600. The raw token itself is stored (no hashing) and
// compared in constant time by Authorized.
func Open(tokenPath, keysPath string) (*Gate, error) {
	g := &Gate{tokenPath: tokenPath, keysPath: keysPath}

	data, err := os.ReadFile(tokenPath)
	switch {
	case err == nil:
		g.token = strings.TrimSpace(string(data))
	case os.IsNotExist(err):
		token, genErr := generateToken()
		if genErr != nil {
			return nil, fmt.Errorf("auth: generate token: %w", genErr)
		}
		if writeErr := os.WriteFile(tokenPath, []byte(token+"\n"), 0600); writeErr != nil {
			return nil, fmt.Errorf("auth: persist token: %w", writeErr)
		}
		g.token = token
	default:
		return nil, fmt.Errorf("auth: read token: %w", err)
	}

	return g, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Token returns the current bearer token (for the token-display CLI command).
func (g *Gate) Token() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.token
}

// Authorized reports whether remoteAddr is loopback, or header carries
// "Bearer <token>" matching the server's token via constant-time compare.
func (g *Gate) Authorized(remoteAddr, authHeader string) bool {
	if IsLoopback(remoteAddr) {
		return true
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return false
	}
	candidate := strings.TrimPrefix(authHeader, prefix)

	g.mu.RLock()
	token := g.token
	g.mu.RUnlock()

	return subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1
}

// IsLoopback reports whether a request's RemoteAddr (host:port form)
// names the loopback interface.
func IsLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// AuthorizeSSHKey validates an OpenSSH authorized_keys-format public
// key and appends it to the authorized_keys file (0600), enabling
// later session-attach over SSH from a remote client. Returns an
// error if the key does not parse.
func (g *Gate) AuthorizeSSHKey(keyLine string) error {
	_, _, _, _, err := ssh.ParseAuthorizedKey([]byte(keyLine))
	if err != nil {
		return fmt.Errorf("auth: invalid SSH public key: %w", err)
	}

	f, err := os.OpenFile(g.keysPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("auth: open authorized_keys: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strings.TrimSpace(keyLine) + "\n"); err != nil {
		return fmt.Errorf("auth: append authorized_keys: %w", err)
	}
	return nil
}
