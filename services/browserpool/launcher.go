package browserpool

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	apxerrors "bpgateway/errors"
	"bpgateway/utils/helpers"
)

// Launcher is §4.A's process launcher contract: spawn/terminate a
// browser bound to a debugging port. Two implementations exist
// (process, docker); cmd/gateway's newLauncher picks one from the
// browser_pool.launch_backend setting.
type Launcher interface {
	Launch(port int) (Instance, error)
	Terminate(inst Instance) error
	// IsAlive reports process/container liveness for the health loop.
	// The launcher only verifies the process hasn't died — readiness of
	// the debugging port is confirmed lazily by the first HTTP probe
	// (spec.md §9's "Process supervision" note).
	IsAlive(inst Instance) bool
}

// LauncherConfig carries the launcher's tunables. cmd/gateway fills
// ProfileBaseDir and PurgeProfileBase from the gateway's Config bundle;
// the other fields are left zero and take the defaults below.
type LauncherConfig struct {
	ProfileBaseDir   string
	StartupProbe     time.Duration // default ~2s, per spec.md §4.A
	PurgeProfileBase bool          // gates the pre-launch hygiene step
	TerminateGrace   time.Duration // default ~5s before force-kill
	Binary           string        // default "chromium-browser"
}

func (c LauncherConfig) withDefaults() LauncherConfig {
	if c.StartupProbe == 0 {
		c.StartupProbe = 2 * time.Second
	}
	if c.TerminateGrace == 0 {
		c.TerminateGrace = 5 * time.Second
	}
	if c.Binary == "" {
		c.Binary = "chromium-browser"
	}
	return c
}

// processLauncher spawns chromium directly via os/exec, one OS process
// per slot — the default backend, grounded on
// original_source/browser_launcher.py.
//
// A child's exit status is only reapable once, and only by calling
// cmd.Wait(). Polling liveness with Signal(0) instead would see a
// crashed-but-unreaped child as alive forever — the kernel keeps it a
// zombie until something calls wait(2) on it. So every launched process
// gets a dedicated reaper goroutine that calls Wait() exactly once and
// records the exit; IsAlive and Terminate both consult that record
// instead of signaling the process themselves.
type processLauncher struct {
	cfg LauncherConfig
	log *zap.Logger

	mu     sync.Mutex
	exited map[int]chan struct{} // pid -> closed once cmd.Wait() returns
}

// NewProcessLauncher builds the default os/exec-backed launcher.
func NewProcessLauncher(cfg LauncherConfig, log *zap.Logger) Launcher {
	return &processLauncher{cfg: cfg.withDefaults(), log: log, exited: make(map[int]chan struct{})}
}

// reap registers the reaper goroutine for a freshly started process.
func (l *processLauncher) reap(cmd *exec.Cmd) chan struct{} {
	done := make(chan struct{})
	l.mu.Lock()
	l.exited[cmd.Process.Pid] = done
	l.mu.Unlock()
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	return done
}

// forget drops the bookkeeping for a pid once its process has been
// fully torn down.
func (l *processLauncher) forget(pid int) {
	l.mu.Lock()
	delete(l.exited, pid)
	l.mu.Unlock()
}

func (l *processLauncher) Launch(port int) (Instance, error) {
	if l.cfg.PurgeProfileBase {
		l.purgeProfileBase()
	}

	profilePath := filepath.Join(l.cfg.ProfileBaseDir, fmt.Sprintf("profile-%d", port))
	if err := helpers.CreateFolder(profilePath); err != nil {
		return Instance{}, apxerrors.LaunchFailedErr(fmt.Errorf("create profile dir: %w", err))
	}

	args := append([]string{
		"--disable-gpu",
		"--no-first-run",
		fmt.Sprintf("--remote-debugging-port=%d", port),
		fmt.Sprintf("--user-data-dir=%s", profilePath),
	}, ChromiumArgs...)

	cmd := exec.Command(l.cfg.Binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Instance{}, apxerrors.LaunchFailedErr(err)
	}
	if err := cmd.Start(); err != nil {
		return Instance{}, apxerrors.LaunchFailedErr(err)
	}
	done := l.reap(cmd)

	tail := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := stderr.Read(buf)
		tail <- string(buf[:n])
	}()

	time.Sleep(l.cfg.StartupProbe)

	select {
	case <-done:
		l.forget(cmd.Process.Pid)
		select {
		case s := <-tail:
			return Instance{}, apxerrors.LaunchFailedErr(fmt.Errorf("port %d: %s", port, s))
		default:
			return Instance{}, apxerrors.LaunchFailedErr(fmt.Errorf("port %d: process exited during startup probe", port))
		}
	default:
	}

	return Instance{
		DebuggingPort: port,
		Process:       cmd,
		ProfilePath:   profilePath,
		LastUsed:      time.Now(),
	}, nil
}

func (l *processLauncher) Terminate(inst Instance) error {
	if inst.Process == nil || inst.Process.Process == nil {
		return removeProfile(inst.ProfilePath)
	}
	pid := inst.Process.Process.Pid

	l.mu.Lock()
	done, ok := l.exited[pid]
	l.mu.Unlock()
	if !ok {
		// Already reaped (e.g. terminate called twice) — nothing to wait on.
		done = make(chan struct{})
		close(done)
	}

	_ = inst.Process.Process.Signal(os.Interrupt)
	select {
	case <-done:
	case <-time.After(l.cfg.TerminateGrace):
		_ = inst.Process.Process.Kill()
		<-done
	}
	l.forget(pid)

	return removeProfile(inst.ProfilePath)
}

func (l *processLauncher) IsAlive(inst Instance) bool {
	if inst.Process == nil || inst.Process.Process == nil {
		return false
	}
	l.mu.Lock()
	done, ok := l.exited[inst.Process.Process.Pid]
	l.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// purgeProfileBase implements the optional, config-gated hygiene step of
// spec.md §4.A — only one of the original two launcher drafts performed
// this, so it must never run unconditionally (spec.md §9 Open Question).
func (l *processLauncher) purgeProfileBase() {
	if err := helpers.RemoveFilesAndFoldersInFolder(l.cfg.ProfileBaseDir, nil); err != nil {
		l.log.Warn("browserpool: profile base purge failed", zap.Error(err))
	}
	if err := helpers.CreateFolder(l.cfg.ProfileBaseDir); err != nil {
		l.log.Warn("browserpool: recreate profile base after purge failed", zap.Error(err))
	}
}

func removeProfile(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}
