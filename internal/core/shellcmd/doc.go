// Package shellcmd builds the POSIX shell command lines run on the remote host.
//
// Every function is pure: it returns a string and performs no I/O. Values
// that come from configuration (paths, patterns, commands, environment) are
// always quoted with Quote, so a path containing spaces or quotes cannot
// change the shape of the command.
//
// # Self-matching
//
// Remote commands execute inside "sh -c <command line>", so the invoking
// shell's own command line contains any pattern passed to pgrep or pkill.
// MatchPattern rewrites a pattern into an equivalent regular expression that
// no longer matches its own text, the same trick as "ps aux | grep [n]ode".
package shellcmd
