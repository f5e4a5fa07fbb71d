package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sagehill/foreman/internal/health"
)

// RunState is the daemon's coarse lifecycle phase.
type RunState string

const (
	StateStarting RunState = "starting"
	StateRunning  RunState = "running"
	StateStopping RunState = "stopping"
	StateStopped  RunState = "stopped"
	// StateFailed means the watchdog gave up restarting the daemon.
	StateFailed RunState = "failed"
)

// Record is the persisted daemon state, mirrored to state.json on every
// transition and heartbeat. It is advisory: the PID file decides whether
// the daemon is actually running.
type Record struct {
	State          RunState       `json:"state"`
	PID            int            `json:"pid"`
	StartedAt      time.Time      `json:"started_at"`
	LastHeartbeat  time.Time      `json:"last_heartbeat,omitempty"`
	HeartbeatCount int            `json:"heartbeat_count"`
	LastError      string         `json:"last_error,omitempty"`
	Health         *health.Report `json:"health,omitempty"`
}

// SaveRecord writes the record via write-then-rename.
func SaveRecord(root string, r *Record) error {
	p := Paths{Root: root}
	if err := os.MkdirAll(p.DaemonDir(), 0755); err != nil {
		return fmt.Errorf("creating daemon directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding daemon state: %w", err)
	}

	tmp := p.StateFile() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing daemon state: %w", err)
	}
	if err := os.Rename(tmp, p.StateFile()); err != nil {
		return fmt.Errorf("installing daemon state: %w", err)
	}
	return nil
}

// LoadRecord reads the persisted record. Missing or corrupt state is
// (nil, nil): state.json is a snapshot, not a source of truth, so bad
// data means "unknown", never a crash.
func LoadRecord(root string) (*Record, error) {
	p := Paths{Root: root}
	data, err := os.ReadFile(p.StateFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading daemon state: %w", err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, nil
	}
	return &r, nil
}

// appendRestart adds a restart event to the on-disk record's health
// history, creating the report if absent. Used by Stop for the
// forced-stop audit trail, where the daemon process is already gone.
func appendRestart(root string, ev health.RestartEvent) {
	r, err := LoadRecord(root)
	if err != nil || r == nil {
		r = &Record{State: StateStopped}
	}
	if r.Health == nil {
		r.Health = &health.Report{}
	}
	// Most recent first, matching Monitor.Report.
	r.Health.RecentRestarts = append([]health.RestartEvent{ev}, r.Health.RecentRestarts...)
	_ = SaveRecord(root, r)
}

// removeStopMarker clears a leftover manual-stop marker.
func removeStopMarker(root string) {
	_ = os.Remove(filepath.Join(root, "daemon", "stop.marker"))
}
