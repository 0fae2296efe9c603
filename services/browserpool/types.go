// Package browserpool binds services/resourcepool's generic pool core to
// Chromium processes: port allocation, profile directories, crash
// detection with bounded restart, and a session→port index for the
// gateway. It is the Go analogue of the teacher's
// services/browser_pool.BrowserPoolManager, generalized from browser
// containers-per-test to long-lived pooled debugging sessions.
package browserpool

import (
	"os/exec"
	"time"
)

// Instance is the adapter's payload for one resourcepool slot — the Go
// shape of spec.md §3's BrowserInstance.
type Instance struct {
	DebuggingPort   int
	Process         *exec.Cmd
	ProfilePath     string
	LastUsed        time.Time
	StartupAttempts int

	// ContainerID is set only when the docker launch backend is in use;
	// empty for process-backed instances.
	ContainerID string
}
