package shellcmd

import (
	"fmt"
	"strings"
)

// =============================================================================
// Quoting
// =============================================================================

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// MatchPattern returns a regular expression equivalent to pattern that does
// not match its own literal text. The first literal letter or digit is
// wrapped in a bracket expression, so "node server" becomes "[n]ode server"
// and "/usr/bin/node" becomes "/[u]sr/bin/node". Escaped characters, bracket
// expressions and interval counts are left alone. A pattern with no literal
// letter or digit is returned unchanged.
func MatchPattern(pattern string) string {
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; {
		case c == '\\':
			i++
		case c == '[':
			i = skipBracket(pattern, i)
		case c == '{':
			if j := strings.IndexByte(pattern[i:], '}'); j >= 0 {
				i += j
			}
		case isAlnum(c):
			return pattern[:i] + "[" + string(c) + "]" + pattern[i+1:]
		}
	}
	return pattern
}

// skipBracket returns the index of the ']' closing the bracket expression
// opened at pattern[open], or the last index when it is unterminated.
func skipBracket(pattern string, open int) int {
	i := open + 1
	if i < len(pattern) && pattern[i] == '^' {
		i++
	}
	// A leading ']' is a literal member.
	if i < len(pattern) && pattern[i] == ']' {
		i++
	}
	for ; i < len(pattern); i++ {
		switch pattern[i] {
		case ']':
			return i
		case '[':
			// [:class:], [.coll.] and [=equiv=] nest inside the expression.
			if i+1 < len(pattern) && strings.IndexByte(":.=", pattern[i+1]) >= 0 {
				end := strings.Index(pattern[i+2:], string(pattern[i+1])+"]")
				if end >= 0 {
					i += 2 + end + 1
				}
			}
		}
	}
	return len(pattern) - 1
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// =============================================================================
// Directory Commands
// =============================================================================

// RecreateDir removes root recursively and creates it again, empty.
func RecreateDir(root string) string {
	q := Quote(root)
	return fmt.Sprintf("rm -rf -- %s && mkdir -p -- %s", q, q)
}

// MkdirAll creates dir and any missing parents.
func MkdirAll(dir string) string {
	return "mkdir -p -- " + Quote(dir)
}

// ListDir lists dir in long format.
func ListDir(dir string) string {
	return "ls -la -- " + Quote(dir)
}

// =============================================================================
// Process Commands
// =============================================================================

// Terminate sends SIGTERM to every process whose command line matches pattern.
// Exits zero whether or not anything matched.
func Terminate(pattern string) string {
	return fmt.Sprintf("pkill -TERM -f -- %s || true", Quote(MatchPattern(pattern)))
}

// Kill sends SIGKILL to every process whose command line matches pattern.
// Exits zero whether or not anything matched.
func Kill(pattern string) string {
	return fmt.Sprintf("pkill -KILL -f -- %s || true", Quote(MatchPattern(pattern)))
}

// FreePort kills whatever holds the TCP port.
// Exits zero whether or not anything held it.
func FreePort(port int) string {
	return fmt.Sprintf("fuser -k %d/tcp 2>/dev/null || true", port)
}

// FindPIDs prints the IDs of processes matching pattern, one per line.
// Prints nothing when there are none.
func FindPIDs(pattern string) string {
	return fmt.Sprintf("pgrep -f -- %s || true", Quote(MatchPattern(pattern)))
}

// Occupancy prints the IDs of any process matching one of patterns followed
// by any listening socket on port. Empty output means the service is fully
// stopped and the port is free.
func Occupancy(patterns []string, port int) string {
	parts := make([]string, 0, len(patterns)+1)
	for _, p := range patterns {
		parts = append(parts, "pgrep -f -- "+Quote(MatchPattern(p)))
	}
	if port > 0 {
		parts = append(parts, fmt.Sprintf("ss -Hltn %s", Quote(fmt.Sprintf("sport = :%d", port))))
	}
	return "{ " + strings.Join(parts, "; ") + "; } 2>/dev/null || true"
}

// StartDetached launches command in the background from workDir with env
// injected and combined output redirected to logPath. Only the launch is
// backgrounded, so the command returns as soon as the process is spawned and
// exits non-zero when workDir is unusable.
func StartDetached(workDir string, env []string, command, logPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cd %s && { nohup ", Quote(workDir))
	if len(env) > 0 {
		b.WriteString("env")
		for _, kv := range env {
			b.WriteString(" ")
			b.WriteString(Quote(kv))
		}
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "sh -c %s > %s 2>&1 < /dev/null & }", Quote(command), Quote(logPath))
	return b.String()
}

// TailLog prints the last lines of the file at logPath.
func TailLog(logPath string, lines int) string {
	if lines <= 0 {
		lines = 15
	}
	return fmt.Sprintf("tail -n %d -- %s", lines, Quote(logPath))
}

// RunIn runs command from dir with stderr folded into stdout.
func RunIn(dir, command string) string {
	return fmt.Sprintf("cd %s && sh -c %s 2>&1", Quote(dir), Quote(command))
}

// =============================================================================
// Firewall Commands
// =============================================================================

// FirewallAllow opens a TCP port in ufw and reloads the rules.
func FirewallAllow(port int) string {
	return fmt.Sprintf("sudo ufw allow %d/tcp && sudo ufw reload", port)
}

// FirewallVerify prints the ufw rules mentioning port.
func FirewallVerify(port int) string {
	return fmt.Sprintf("sudo ufw status | grep -- %s", Quote(fmt.Sprint(port)))
}

// =============================================================================
// Diagnostic Commands
// =============================================================================

// Check is one named diagnostic command.
type Check struct {
	Title   string
	Command string
}

// DiagnosticParams are the inputs of Diagnostics.
type DiagnosticParams struct {
	ProcessPattern string
	Port           int
	RemoteRoot     string
	LogPath        string
	LogLines       int
}

// Diagnostics returns the remote troubleshooting checks, in display order.
// Every command tolerates missing tools and prints a marker instead of failing.
func Diagnostics(p DiagnosticParams) []Check {
	port := fmt.Sprint(p.Port)
	checks := []Check{
		{
			Title:   "processes",
			Command: fmt.Sprintf("ps aux | grep -- %s || echo 'no matching process'", Quote(MatchPattern(p.ProcessPattern))),
		},
		{
			Title: "listening",
			Command: fmt.Sprintf("(ss -tlnp 2>/dev/null || netstat -tlnp 2>/dev/null) | grep -- %s || echo 'port %s not listening'",
				Quote(":"+port), port),
		},
		{
			Title:   "firewall",
			Command: "sudo -n ufw status 2>/dev/null || echo 'ufw not available'",
		},
		{
			Title:   "iptables",
			Command: "sudo -n iptables -L -n 2>/dev/null | head -20 || echo 'iptables check failed'",
		},
		{
			Title:   "loopback request",
			Command: fmt.Sprintf("curl -sv --max-time 5 http://127.0.0.1:%s/ 2>&1 | head -20", port),
		},
	}
	if p.RemoteRoot != "" {
		checks = append(checks, Check{Title: "files", Command: ListDir(p.RemoteRoot) + " 2>&1"})
	}
	if p.LogPath != "" {
		checks = append(checks, Check{Title: "log", Command: TailLog(p.LogPath, p.LogLines) + " 2>&1"})
	}
	return checks
}
