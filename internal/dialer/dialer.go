// Package dialer performs the single-candidate connection attempt spec.md
// §4.2 describes: dial, classify the failure (so the caller can decide
// whether to try the next candidate, autospawn, or give up), and hand
// back a net.Conn on success. Errno classification is grounded on
// golang.org/x/sys/unix, the same package the pack's containers-podman
// and cri-o repos use for peer-credential and low-level socket work.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gopulse/pulseclient/internal/endpoints"
)

// Outcome classifies a dial result the way spec.md §4.2 requires the core
// to distinguish: refused, timeout and unreachable all mean "move on to
// the next candidate" (autospawn is considered only once the whole list
// is exhausted, whatever the failures were); OutcomeOther ends the
// cascade.
type Outcome int

const (
	OutcomeConnected Outcome = iota
	OutcomeRefused
	OutcomeTimeout
	OutcomeUnreachable
	OutcomeOther
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeRefused:
		return "refused"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeUnreachable:
		return "unreachable"
	default:
		return "other"
	}
}

// Result is the outcome of one dial attempt.
type Result struct {
	Conn      net.Conn
	Candidate endpoints.Candidate
	Outcome   Outcome
	Err       error
}

// Dial attempts to connect to a single candidate, respecting ctx's
// deadline. It never blocks past ctx's cancellation: the core drives one
// dial per candidate under its own per-attempt timeout (spec.md §4.2).
func Dial(ctx context.Context, c endpoints.Candidate) Result {
	network, addr := network(c)

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return Result{Candidate: c, Outcome: classify(err), Err: err}
	}
	return Result{Conn: conn, Candidate: c, Outcome: OutcomeConnected}
}

func network(c endpoints.Candidate) (string, string) {
	switch c.Kind {
	case endpoints.KindUnix:
		return "unix", c.Path
	case endpoints.KindTCP6:
		return "tcp6", fmt.Sprintf("[%s]:%d", c.Host, c.Port)
	default:
		return "tcp4", fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
}

// classify maps a dial error to the spec's three meaningful buckets via
// the underlying errno, falling back to context deadline/timeout checks
// for a dial that never got as far as connect(2).
func classify(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ECONNREFUSED, unix.ENOENT:
			return OutcomeRefused
		case unix.ETIMEDOUT:
			return OutcomeTimeout
		case unix.EHOSTUNREACH, unix.ENETUNREACH:
			return OutcomeUnreachable
		}
	}
	return OutcomeOther
}

// DialWithTimeout is a convenience wrapper for callers (such as the tests)
// that want a fixed per-attempt deadline rather than threading a context.
func DialWithTimeout(c endpoints.Candidate, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Dial(ctx, c)
}
