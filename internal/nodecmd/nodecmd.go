// ABOUTME: Pure validation for device-originated commands
// ABOUTME: A command must be both allowlisted and declared by the node

package nodecmd

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Rejection reasons surfaced to callers.
const (
	ReasonEmpty       = "empty command"
	ReasonNotAllowed  = "command not allowlisted"
	ReasonNotDeclared = "command not declared by node"
)

// Result is the outcome of a command policy check.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// allowed is the passing result.
var allowed = Result{OK: true}

// IsAllowed checks a device-originated command against the configured
// allowlist and the node's declared command set. The two checks are
// independent; both must pass. Allowlist entries may be glob patterns
// (e.g. "system.*").
func IsAllowed(command string, declared []string, allowlist []string) Result {
	command = strings.TrimSpace(command)
	if command == "" {
		return Result{OK: false, Reason: ReasonEmpty}
	}

	if !matchesAllowlist(command, allowlist) {
		return Result{OK: false, Reason: ReasonNotAllowed}
	}

	for _, d := range declared {
		if d == command {
			return allowed
		}
	}
	return Result{OK: false, Reason: ReasonNotDeclared}
}

// matchesAllowlist reports whether command matches any allowlist entry,
// exact or glob.
func matchesAllowlist(command string, allowlist []string) bool {
	for _, pattern := range allowlist {
		if pattern == command {
			return true
		}
		if ok, err := doublestar.Match(pattern, command); err == nil && ok {
			return true
		}
	}
	return false
}

// platformNotes maps commands with known platform constraints to the
// operating systems they require.
var platformNotes = map[string]struct {
	oses []string
	note string
}{
	"screen.capture":  {oses: []string{"darwin", "windows"}, note: "requires a display server"},
	"clipboard.read":  {oses: []string{"darwin", "windows"}, note: "no clipboard on headless hosts"},
	"clipboard.write": {oses: []string{"darwin", "windows"}, note: "no clipboard on headless hosts"},
	"notify.send":     {oses: []string{"darwin", "linux", "windows"}, note: "needs a desktop notification service"},
}

// Hint builds a platform-aware diagnostic for a rejected or unsupported
// command. It never changes the allow/deny decision; callers attach it to
// the response for operators.
func Hint(command, os string) string {
	command = strings.TrimSpace(command)
	if command == "" {
		return ""
	}

	info, ok := platformNotes[command]
	if !ok {
		return fmt.Sprintf("command %q is not recognized by this gateway build", command)
	}

	for _, supported := range info.oses {
		if supported == os {
			return fmt.Sprintf("command %q is supported on %s (%s)", command, os, info.note)
		}
	}
	return fmt.Sprintf("command %q is unsupported on %s: %s", command, os, info.note)
}
