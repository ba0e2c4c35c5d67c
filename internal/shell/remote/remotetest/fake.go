// Package remotetest provides an in-memory remote host for tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/artpar/pushdeploy/internal/shell/remote"
)

// ExecFunc answers one command.
type ExecFunc func(cmd string) (remote.ExecResult, error)

// Session is a fake remote.Session backed by maps. The root directory "/"
// always exists. Commands are answered by handlers matched on exact text,
// then by prefix handlers, then by the default handler.
type Session struct {
	mu sync.Mutex

	HostName string
	files    map[string][]byte
	dirs     map[string]bool

	exact    map[string]ExecFunc
	prefixes []prefixHandler
	Default  ExecFunc

	// Fault injection, keyed by operation name: exec, put, stat, mkdir.
	Faults map[string]error

	// unseen paths exist but Stat reports them absent.
	unseen map[string]bool

	// DialAddr, when set, is where DialContext connects instead of addr.
	DialAddr string
	DialErr  error

	commands []string
	ops      []string
	closes   int
}

type prefixHandler struct {
	prefix string
	fn     ExecFunc
}

var _ remote.Session = (*Session)(nil)

// NewSession creates an empty fake host.
func NewSession() *Session {
	return &Session{
		HostName: "fake-host",
		files:    make(map[string][]byte),
		dirs:     map[string]bool{"/": true},
		exact:    make(map[string]ExecFunc),
		Faults:   make(map[string]error),
		unseen:   make(map[string]bool),
	}
}

// =============================================================================
// Setup
// =============================================================================

// Handle answers cmd with fn.
func (s *Session) Handle(cmd string, fn ExecFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exact[cmd] = fn
}

// HandlePrefix answers every command starting with prefix with fn.
func (s *Session) HandlePrefix(prefix string, fn ExecFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefixes = append(s.prefixes, prefixHandler{prefix: prefix, fn: fn})
}

// Reply returns an ExecFunc with fixed output and exit status.
func Reply(stdout string, exit int) ExecFunc {
	return func(string) (remote.ExecResult, error) {
		return remote.ExecResult{Stdout: []byte(stdout), ExitStatus: exit}, nil
	}
}

// Fail sets an error for an operation.
func (s *Session) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Faults[op] = err
}

// HideFromStat makes Stat report p absent while it still exists, as when
// another writer creates it between Stat and Mkdir.
func (s *Session) HideFromStat(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unseen[path.Clean(p)] = true
}

// AddDir creates dir and its parents.
func (s *Session) AddDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := path.Clean(dir); ; p = path.Dir(p) {
		s.dirs[p] = true
		if p == "/" || p == "." {
			break
		}
	}
}

// AddFile creates a file, and its parent directories.
func (s *Session) AddFile(name string, data []byte) {
	s.AddDir(path.Dir(name))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path.Clean(name)] = append([]byte(nil), data...)
}

// RemoveAll deletes p and everything beneath it.
func (s *Session) RemoveAll(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeAll(path.Clean(p))
}

func (s *Session) removeAll(p string) {
	prefix := p + "/"
	for f := range s.files {
		if f == p || strings.HasPrefix(f, prefix) {
			delete(s.files, f)
		}
	}
	for d := range s.dirs {
		if d != "/" && (d == p || strings.HasPrefix(d, prefix)) {
			delete(s.dirs, d)
		}
	}
}

// =============================================================================
// Inspection
// =============================================================================

// File returns the content of a remote file.
func (s *Session) File(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[path.Clean(name)]
	return b, ok
}

// IsDir reports whether a remote directory exists.
func (s *Session) IsDir(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs[path.Clean(name)]
}

// Tree lists every path under root, directories with a trailing slash, sorted.
func (s *Session) Tree(root string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	root = path.Clean(root)
	prefix := root + "/"
	var out []string
	for d := range s.dirs {
		if strings.HasPrefix(d, prefix) {
			out = append(out, strings.TrimPrefix(d, prefix)+"/")
		}
	}
	for f := range s.files {
		if strings.HasPrefix(f, prefix) {
			out = append(out, strings.TrimPrefix(f, prefix))
		}
	}
	sort.Strings(out)
	return out
}

// Commands returns every command passed to Exec, in order.
func (s *Session) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Ops returns every operation performed, as "op path" or "exec cmd".
func (s *Session) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// =============================================================================
// remote.Session
// =============================================================================

func (s *Session) Host() string { return s.HostName }

func (s *Session) Exec(ctx context.Context, cmd string) (remote.ExecResult, error) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.ops = append(s.ops, "exec "+cmd)
	fault := s.Faults["exec"]
	fn := s.exact[cmd]
	if fn == nil {
		for _, h := range s.prefixes {
			if strings.HasPrefix(cmd, h.prefix) {
				fn = h.fn
				break
			}
		}
	}
	if fn == nil {
		fn = s.Default
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return remote.ExecResult{}, err
	}
	if fault != nil {
		return remote.ExecResult{}, fault
	}
	if fn == nil {
		return remote.ExecResult{}, nil
	}
	return fn(cmd)
}

func (s *Session) Put(ctx context.Context, remotePath string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := path.Clean(remotePath)
	s.ops = append(s.ops, "put "+p)
	if err := s.Faults["put"]; err != nil {
		return err
	}
	if !s.dirs[path.Dir(p)] {
		return fmt.Errorf("put %s: %w", p, fs.ErrNotExist)
	}
	if s.dirs[p] {
		return fmt.Errorf("put %s: is a directory", p)
	}
	s.files[p] = data
	return nil
}

func (s *Session) Stat(ctx context.Context, remotePath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := path.Clean(remotePath)
	s.ops = append(s.ops, "stat "+p)
	if err := s.Faults["stat"]; err != nil {
		return false, err
	}
	if s.unseen[p] {
		return false, nil
	}
	_, isFile := s.files[p]
	return isFile || s.dirs[p], nil
}

func (s *Session) Mkdir(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := path.Clean(remotePath)
	s.ops = append(s.ops, "mkdir "+p)
	if err := s.Faults["mkdir"]; err != nil {
		return err
	}
	if s.dirs[p] {
		return fmt.Errorf("mkdir %s: %w", p, fs.ErrExist)
	}
	if _, ok := s.files[p]; ok {
		return fmt.Errorf("mkdir %s: file exists", p)
	}
	if !s.dirs[path.Dir(p)] {
		return fmt.Errorf("mkdir %s: %w", p, fs.ErrNotExist)
	}
	s.dirs[p] = true
	return nil
}

func (s *Session) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	s.mu.Lock()
	dialAddr, dialErr := s.DialAddr, s.DialErr
	s.ops = append(s.ops, "dial "+addr)
	s.mu.Unlock()

	if dialErr != nil {
		return nil, dialErr
	}
	if dialAddr == "" {
		return nil, errors.New("connection refused")
	}
	var d net.Dialer
	return d.DialContext(ctx, network, dialAddr)
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// =============================================================================
// Dialer
// =============================================================================

// Dialer hands out a prepared Session.
type Dialer struct {
	Session *Session
	Err     error

	// Partial returns Session together with Err.
	Partial bool

	mu    sync.Mutex
	dials int
}

var _ remote.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, _ domain.Target) (remote.Session, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Err != nil {
		if d.Partial {
			return d.Session, d.Err
		}
		return nil, d.Err
	}
	return d.Session, nil
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// =============================================================================
// Shell Emulation
// =============================================================================

// EmulateDirCommands answers "rm -rf -- X && mkdir -p -- X" and
// "mkdir -p -- X" against the in-memory tree.
func (s *Session) EmulateDirCommands() {
	s.HandlePrefix("rm -rf -- ", func(cmd string) (remote.ExecResult, error) {
		args := quotedArgs(cmd)
		if len(args) == 0 {
			return remote.ExecResult{ExitStatus: 2}, nil
		}
		s.RemoveAll(args[0])
		for _, a := range args[1:] {
			s.AddDir(a)
		}
		return remote.ExecResult{}, nil
	})
	s.HandlePrefix("mkdir -p -- ", func(cmd string) (remote.ExecResult, error) {
		for _, a := range quotedArgs(cmd) {
			s.AddDir(a)
		}
		return remote.ExecResult{}, nil
	})
}

// quotedArgs extracts single-quoted words from a command line.
func quotedArgs(cmd string) []string {
	var args []string
	var cur strings.Builder
	in := false
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case c == '\'' && !in:
			in = true
		case c == '\'' && in:
			// '\'' continues the same word.
			if strings.HasPrefix(cmd[i:], `'\''`) {
				cur.WriteByte('\'')
				i += 3
				continue
			}
			in = false
			args = append(args, cur.String())
			cur.Reset()
		case in:
			cur.WriteByte(c)
		}
	}
	return args
}
