package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Layout locates the files owned by one session.
type Layout struct {
	Root string
	Name string
}

// NewLayout returns the layout of session name under root. An empty root
// means BaseDir.
func NewLayout(root, name string) Layout {
	if root == "" {
		root = BaseDir()
	}
	return Layout{Root: root, Name: name}
}

// ConfigPath returns the config file shared by all sessions under Root.
func (l Layout) ConfigPath() string {
	return filepath.Join(l.Root, "config.toml")
}

// Dir returns the session-specific directory.
func (l Layout) Dir() string {
	return filepath.Join(l.Root, "sessions", l.Name)
}

// LockPath returns the lock file path for a session.
func (l Layout) LockPath() string {
	return filepath.Join(l.Dir(), "LOCK")
}

// DBPath returns the local cache database path.
func (l Layout) DBPath() string {
	return filepath.Join(l.Dir(), "chatsync.db")
}

// LogDir returns the log directory for a session.
func (l Layout) LogDir() string {
	return filepath.Join(l.Dir(), "logs")
}

// LogPath returns the log file path.
func (l Layout) LogPath() string {
	return filepath.Join(l.LogDir(), "chatsync.log")
}

// MediaDir returns the directory holding downloaded attachments.
func (l Layout) MediaDir() string {
	return filepath.Join(l.Dir(), "media")
}

// CredentialsPath returns the file holding the auth token.
func (l Layout) CredentialsPath() string {
	return filepath.Join(l.Dir(), "credentials")
}

// EnsureDir creates the session directory tree with proper permissions.
func (l Layout) EnsureDir() error {
	dirs := []string{
		l.Dir(),
		l.LogDir(),
		l.MediaDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
