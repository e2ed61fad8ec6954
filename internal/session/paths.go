// Package session lays out per-session state under ~/.inbox:
//
//	~/.inbox/config.toml
//	~/.inbox/sessions/<name>/daemon.sock
//	~/.inbox/sessions/<name>/LOCK
//	~/.inbox/sessions/<name>/device.db
//	~/.inbox/sessions/<name>/inbox.db
//	~/.inbox/sessions/<name>/logs/inboxd.log
package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns the inbox root, ~/.inbox.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".inbox")
}

// Dir returns the directory holding one inbox session's state.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns where inboxd serves the conversation service.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the single-instance lock inboxd holds while running.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DevicePath returns the push transport's device store path.
func DevicePath(name string) string {
	return filepath.Join(Dir(name), "device.db")
}

// DBPath returns the durable conversation store.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "inbox.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns inboxd's JSON log.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "inboxd.log")
}

// ConfigPath returns the config shared by inboxd and inboxctl.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session and log directories, readable by the owner only.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
