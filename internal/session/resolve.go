package session

import "github.com/matheus3301/inbox/internal/config"

// DefaultName is used when neither the flag nor the config names a session.
const DefaultName = "main"

// Resolve picks the active session: the --session flag, then the config's
// default_session, then DefaultName. The chosen name is validated.
func Resolve(flag string, cfg *config.Config) (string, error) {
	name := flag
	if name == "" && cfg != nil {
		name = cfg.DefaultSession
	}
	if name == "" {
		name = DefaultName
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
