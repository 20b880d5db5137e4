package session

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials holds the auth token of the active session. With a path the
// token is persisted to disk; with an empty path it lives in memory only.
type Credentials struct {
	mu    sync.RWMutex
	path  string
	token string
	now   func() time.Time
}

// NewCredentials loads the token stored at path, if any.
func NewCredentials(path string) (*Credentials, error) {
	c := &Credentials{path: path, now: time.Now}
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	c.token = strings.TrimSpace(string(data))
	return c, nil
}

// Token returns the current token, or "" when signed out.
func (c *Credentials) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Set replaces the token.
func (c *Credentials) Set(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path != "" {
		if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
			return err
		}
		if err := os.WriteFile(c.path, []byte(token), 0600); err != nil {
			return err
		}
	}
	c.token = token
	return nil
}

// Clear removes the token.
func (c *Credentials) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	if c.path == "" {
		return nil
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Valid reports whether a usable token is present. Tokens that parse as JWTs
// are rejected once their exp claim has passed; opaque tokens are accepted.
// The signature is not checked, that is the server's job.
func (c *Credentials) Valid() bool {
	token := c.Token()
	if token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return c.now().Before(exp.Time)
}
