package pulseclient

import (
	"os"
	"sync"
)

// installProcessWide installs the process-wide state spec.md §9 calls
// for exactly once, idempotently, at first Context construction:
// SIGPIPE is not handled here (Go's net package already suppresses
// SIGPIPE on socket writes, unlike C's default disposition, so there is
// nothing to install), but the creation pid used by the fork detector
// below is recorded exactly once per process the same way.
var (
	processOnce sync.Once
	processPID  int
)

func installProcessWide() {
	processOnce.Do(func() {
		processPID = os.Getpid()
	})
}

// checkFork implements spec.md §9's fork detector: every public API
// entry compares the recorded creation pid against the current pid and
// refuses to act on a mismatch.
func checkFork() bool {
	installProcessWide()
	return os.Getpid() == processPID
}
