// Package spawn implements the autospawn cascade of spec.md §4.3: when no
// candidate endpoint answers, fork/exec the daemon (running the caller's
// prefork/atfork/postfork hooks around the fork the way the C library
// does), then waitpid's for the immediate child (a daemonizing wrapper
// that is expected to exit quickly once the real daemon has detached).
//
// Grounded on internal/pidfile for the daemon's PID bookkeeping, and on
// golang.org/x/sys/unix (also used by internal/dialer) for Wait4, on a raw
// rt_sigaction query for the SIGCHLD disposition, and on the ESRCH-as-success
// process-liveness check spec.md §4.3 calls for.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gopulse/pulseclient/internal/config"
	"github.com/gopulse/pulseclient/internal/pidfile"
)

// Hooks are the three callback slots the public API exposes around the
// fork boundary: Prefork runs before forking, in the parent; Atfork runs
// in the parent right after the child has been started (it does not run
// inside the child); Postfork runs in the parent after Atfork.
type Hooks struct {
	Prefork  func()
	Atfork   func()
	Postfork func()
}

// Result reports what became of one autospawn attempt.
type Result struct {
	PID     int
	Spawned bool
	Err     error
}

// Spawner launches and tracks the daemon process autospawn forks.
type Spawner struct {
	cfg *config.Config

	mu      sync.Mutex
	cmd     *exec.Cmd
	pidFile *pidfile.Pidfile
}

// New creates a Spawner bound to cfg's DaemonBinary/ExtraArguments.
func New(cfg *config.Config) *Spawner {
	return &Spawner{cfg: cfg}
}

// ErrAutospawnDisabled is returned when the configuration forbids
// autospawn and Spawn is called anyway.
var ErrAutospawnDisabled = errors.New("spawn: autospawn disabled by configuration")

// ErrRootAutospawn is returned when the calling process is uid 0, per
// spec.md §4.3 precondition (c): autospawn never runs as root.
var ErrRootAutospawn = errors.New("spawn: autospawn refused: caller is uid 0")

// ErrSigchldDisposition is returned when SIGCHLD is set to SIG_IGN or
// carries SA_NOCLDWAIT, per spec.md §4.3 precondition (d): either
// disposition means the kernel auto-reaps children before Spawn's own
// waitpid can observe the exit status.
var ErrSigchldDisposition = errors.New("spawn: autospawn refused: SIGCHLD is ignored or SA_NOCLDWAIT is set")

// UidZero reports whether the calling process is uid 0.
func UidZero() bool { return os.Getuid() == 0 }

// SigchldBlocksReap reports whether the process's current SIGCHLD
// disposition would prevent Spawn's waitpid from ever observing the
// spawned child's exit status.
func SigchldBlocksReap() bool {
	// Kernel struct sigaction on Linux: handler, flags, restorer, mask.
	var act struct {
		handler, flags, restorer uintptr
		mask                     uint64
	}
	_, _, errno := syscall.RawSyscall6(syscall.SYS_RT_SIGACTION, uintptr(syscall.SIGCHLD), 0,
		uintptr(unsafe.Pointer(&act)), unsafe.Sizeof(act.mask), 0, 0)
	if errno != 0 {
		return false
	}
	const sigIgn, saNoCldWait = 1, 0x2
	if act.handler == sigIgn {
		return true
	}
	return act.flags&saNoCldWait != 0
}

// Spawn forks and execs the daemon binary with "--start" plus the
// configured extra arguments (capped at 30, per spec.md §4.3), running
// hooks around the fork the way the reference API's pa_spawn_api does,
// then waitpid's the immediate child. Per spec.md §4.3, success requires
// that child to have exited with status 0 (it is expected to daemonize
// and exit quickly), or for the wait itself to fail with ESRCH/ECHILD
// (the child is already gone, treated as success); any other exit status
// or wait error is a spawn failure. It does not wait for the daemon to
// become reachable; the caller retries candidates afterward.
func (s *Spawner) Spawn(ctx context.Context, hooks Hooks) Result {
	if !s.cfg.AutospawnEnabled {
		return Result{Err: ErrAutospawnDisabled}
	}
	if UidZero() {
		return Result{Err: ErrRootAutospawn}
	}
	if SigchldBlocksReap() {
		return Result{Err: ErrSigchldDisposition}
	}

	if hooks.Prefork != nil {
		hooks.Prefork()
	}

	args := append([]string{"--start"}, s.cfg.DaemonArgv()...)
	cmd := exec.CommandContext(ctx, s.cfg.DaemonBinary, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = append(os.Environ(), "PULSE_AUTOSPAWN=1")

	// Atfork has no true child-side hook point without cgo; run it
	// synchronously right after Start returns, before anything else
	// observes the new process, which is close enough for the hook's
	// stated purpose (detaching signal handlers, closing fds) in a
	// pure-Go child.
	err := cmd.Start()
	if hooks.Atfork != nil {
		hooks.Atfork()
	}
	if hooks.Postfork != nil {
		hooks.Postfork()
	}
	if err != nil {
		return Result{Err: fmt.Errorf("spawn: exec %s: %w", s.cfg.DaemonBinary, err)}
	}

	pid := cmd.Process.Pid
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	if err := waitExited(pid); err != nil {
		return Result{PID: pid, Err: err}
	}

	return Result{PID: pid, Spawned: true}
}

// waitExited waitpid's pid to completion (retrying EINTR) and requires an
// exit status of 0. A wait failure of ESRCH or ECHILD means the child is
// already gone by the time we looked, which spec.md §4.3 treats the same
// as a clean exit rather than a failure.
func waitExited(pid int) error {
	var wstatus unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &wstatus, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if errors.Is(err, unix.ECHILD) || errors.Is(err, unix.ESRCH) {
				return nil
			}
			return fmt.Errorf("spawn: waitpid %d: %w", pid, err)
		}
		break
	}
	if !wstatus.Exited() || wstatus.ExitStatus() != 0 {
		return fmt.Errorf("spawn: daemon helper pid %d exited with status %d", pid, wstatus.ExitStatus())
	}
	return nil
}

// IsAlive reports whether pid still exists, treating ESRCH as "no" and
// any other signal error as inconclusive-but-alive, matching spec.md
// §4.3's stated ESRCH-as-success convention for process liveness checks.
func IsAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}

// WaitReady polls IsAlive for the daemon's own PID file to appear and its
// process to be alive, up to timeout. It does not verify the daemon is
// accepting connections; that is the dialer's job once WaitReady returns.
func WaitReady(pidFilePath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	pf := pidfile.New(pidFilePath)

	for time.Now().Before(deadline) {
		if pf.Exists() {
			pid, err := pf.Read()
			if err == nil && IsAlive(pid) {
				return nil
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("spawn: daemon did not become ready within %s", timeout)
}
