// Package endpoints builds the ordered list of connection candidates
// Connect dials through, per spec.md §4.1. It generalizes the teacher's
// single-path socket probe (internal/socketutil's DetectSocketServer /
// ShouldUseSocketMode) into an ordered fallback cascade.
package endpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/gopulse/pulseclient/internal/config"
)

// Kind distinguishes how a Candidate should be dialed.
type Kind int

const (
	KindUnix Kind = iota
	KindTCP4
	KindTCP6
)

// Candidate is one entry in the ordered connection list: a dial target
// plus the anonymous-login cookie prefix that may have been attached to
// an explicit server string ("{cookie}unix:/path").
type Candidate struct {
	Kind   Kind
	Path   string // unix socket path, for KindUnix
	Host   string // for KindTCP4/KindTCP6
	Port   int    // for KindTCP4/KindTCP6
	Cookie string // optional "{...}" prefix stripped from an explicit entry
}

func (c Candidate) String() string {
	switch c.Kind {
	case KindUnix:
		return "unix:" + c.Path
	case KindTCP6:
		return fmt.Sprintf("tcp6:[%s]:%d", c.Host, c.Port)
	default:
		return fmt.Sprintf("tcp4:%s:%d", c.Host, c.Port)
	}
}

const defaultPort = 4713

// Build produces the ordered candidate list per spec.md §4.1: an explicit
// server string (space-separated entries) takes priority and is parsed
// verbatim; otherwise a non-empty cfg.Server is parsed the same way;
// otherwise the default cascade is built from per-user runtime
// socket(s), the system-wide runtime socket, TCP4/TCP6 loopback, and
// (if cfg.AutoConnectDisplay) a DISPLAY-derived host.
func Build(explicit string, cfg *config.Config) []Candidate {
	if strings.TrimSpace(explicit) != "" {
		return parseExplicit(explicit)
	}
	if strings.TrimSpace(cfg.Server) != "" {
		return parseExplicit(cfg.Server)
	}
	return defaultCascade(cfg)
}

func parseExplicit(s string) []Candidate {
	var out []Candidate
	for _, entry := range strings.Fields(s) {
		if c, ok := parseEntry(entry); ok {
			out = append(out, c)
		}
	}
	return out
}

func parseEntry(entry string) (Candidate, bool) {
	cookie := ""
	if strings.HasPrefix(entry, "{") {
		if end := strings.IndexByte(entry, '}'); end >= 0 {
			cookie = entry[1:end]
			entry = entry[end+1:]
		}
	}

	switch {
	case strings.HasPrefix(entry, "unix:"):
		return Candidate{Kind: KindUnix, Path: strings.TrimPrefix(entry, "unix:"), Cookie: cookie}, true
	case strings.HasPrefix(entry, "tcp4:"):
		host, port := splitHostPort(strings.TrimPrefix(entry, "tcp4:"))
		return Candidate{Kind: KindTCP4, Host: host, Port: port, Cookie: cookie}, true
	case strings.HasPrefix(entry, "tcp6:"):
		rest := strings.TrimPrefix(entry, "tcp6:")
		rest = strings.TrimPrefix(rest, "[")
		host, port := splitHostPort(strings.Replace(rest, "]", "", 1))
		return Candidate{Kind: KindTCP6, Host: host, Port: port, Cookie: cookie}, true
	case strings.HasPrefix(entry, "/"):
		return Candidate{Kind: KindUnix, Path: entry, Cookie: cookie}, true
	case entry != "":
		host, port := splitHostPort(entry)
		return Candidate{Kind: KindTCP4, Host: host, Port: port, Cookie: cookie}, true
	default:
		return Candidate{}, false
	}
}

func splitHostPort(s string) (string, int) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return s, defaultPort
	}
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return s, defaultPort
	}
	return s[:idx], port
}

// defaultCascade builds spec.md §4.1's priority order: per-user runtime
// socket(s), system-wide runtime socket, tcp4 loopback, tcp6 loopback,
// and optionally a DISPLAY-derived host.
func defaultCascade(cfg *config.Config) []Candidate {
	var out []Candidate
	out = append(out, perUserSockets(cfg)...)
	out = append(out, Candidate{Kind: KindUnix, Path: "/var/run/pulse/native"})
	out = append(out, Candidate{Kind: KindTCP4, Host: "127.0.0.1", Port: defaultPort})
	out = append(out, Candidate{Kind: KindTCP6, Host: "::1", Port: defaultPort})
	if cfg.AutoConnectDisplay {
		if host := displayHost(); host != "" {
			out = append(out, Candidate{Kind: KindTCP4, Host: host, Port: defaultPort})
		}
	}
	return out
}

// perUserSockets returns the per-user runtime socket candidates: the
// XDG_RUNTIME_DIR-based path first, and the legacy /tmp and $HOME paths
// if cfg.EnableLegacyRuntimePaths is set.
func perUserSockets(cfg *config.Config) []Candidate {
	out := []Candidate{
		{Kind: KindUnix, Path: filepath.Join(config.RuntimeDir(), "native")},
	}
	if !cfg.EnableLegacyRuntimePaths {
		return out
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	if p := fmt.Sprintf("/tmp/pulse-%s/native", user); ownedByCaller(filepath.Dir(p)) {
		out = append(out, Candidate{Kind: KindUnix, Path: p})
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		if p := filepath.Join(home, ".pulse", "native"); ownedByCaller(filepath.Dir(p)) {
			out = append(out, Candidate{Kind: KindUnix, Path: p})
		}
	}
	return out
}

// ownedByCaller reports whether dir exists and is owned by the calling
// process's uid, per spec.md §6.4: the legacy per-user socket directories
// are only trusted if they belong to the caller, not to some other user
// who happened to create /tmp/pulse-<name> first.
func ownedByCaller(dir string) bool {
	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return false
	}
	return int(st.Uid) == os.Getuid()
}

// PrependAfterSpawn re-prioritizes the per-user runtime sockets to the
// front of candidates, per spec.md §4.3: after a successful autospawn the
// core must retry the per-user socket(s) before falling through the rest
// of the original list.
func PrependAfterSpawn(candidates []Candidate, cfg *config.Config) []Candidate {
	fresh := perUserSockets(cfg)
	return append(fresh, candidates...)
}

// displayHost extracts the host portion of DISPLAY ("host:0.0" -> "host"),
// returning "" for a local display (":0", "unix:0", or empty).
func displayHost() string {
	display := os.Getenv("DISPLAY")
	if display == "" {
		return ""
	}
	host := display
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	host = strings.TrimPrefix(host, "unix")
	if host == "" {
		return ""
	}
	return host
}
