package appdir

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.cardchat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cardchat")
}

// DBPath returns the message cache database path.
func DBPath() string {
	return filepath.Join(BaseDir(), "cardchat.db")
}

// LockPath returns the single-instance lock file path.
func LockPath() string {
	return filepath.Join(BaseDir(), "LOCK")
}

// LogDir returns the log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(LogDir(), "cardchatd.log")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDirs creates the data directory tree with restrictive permissions.
func EnsureDirs() error {
	for _, d := range []string{BaseDir(), LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
