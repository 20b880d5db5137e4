package session

import "github.com/matheus3301/chatsync/internal/config"

const DefaultSessionName = "main"

// Resolve determines the active session name using precedence:
// 1. override (explicit caller choice)
// 2. config default_session
// 3. "main"
func Resolve(override string, cfg *config.Config) string {
	if override != "" {
		return override
	}
	if cfg != nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
