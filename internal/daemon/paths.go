package daemon

import (
	"os"
	"path/filepath"
)

// Paths resolves the filesystem layout under a foreman root.
type Paths struct {
	Root string
}

// DefaultRoot returns $FOREMAN_HOME, or ~/.foreman when unset.
func DefaultRoot() string {
	if root := os.Getenv("FOREMAN_HOME"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".foreman")
}

// DaemonDir holds the daemon's runtime files.
func (p Paths) DaemonDir() string { return filepath.Join(p.Root, "daemon") }

// PIDFile is the daemon PID file ("<pid> <unix-start>\n").
func (p Paths) PIDFile() string { return filepath.Join(p.DaemonDir(), "foreman.pid") }

// LockFile is the flock guard against concurrent daemon starts.
func (p Paths) LockFile() string { return filepath.Join(p.DaemonDir(), "daemon.lock") }

// LogFile is the daemon log.
func (p Paths) LogFile() string { return filepath.Join(p.DaemonDir(), "daemon.log") }

// StateFile is the persisted daemon record.
func (p Paths) StateFile() string { return filepath.Join(p.DaemonDir(), "state.json") }

// StopMarker, when present, tells the supervisor a stop was deliberate.
func (p Paths) StopMarker() string { return filepath.Join(p.DaemonDir(), "stop.marker") }

// DBFile is the SQLite task store.
func (p Paths) DBFile() string { return filepath.Join(p.Root, "foreman.db") }

// ConfigFile is the TOML configuration file.
func (p Paths) ConfigFile() string { return filepath.Join(p.Root, "config.toml") }
