package diagnose

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/artpar/pushdeploy/internal/core/shellcmd"
	"github.com/artpar/pushdeploy/internal/shell/remote"
	"github.com/artpar/pushdeploy/internal/shell/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testParams() shellcmd.DiagnosticParams {
	return shellcmd.DiagnosticParams{
		ProcessPattern: "node server/index.js",
		Port:           4175,
		RemoteRoot:     "/home/ubuntu/gamble",
		LogPath:        "/tmp/gamble.log",
	}
}

// =============================================================================
// Diagnose Tests
// =============================================================================

func TestDiagnose_RunsEveryCheck(t *testing.T) {
	sess := remotetest.NewSession()
	sess.HandlePrefix("ps aux", remotetest.Reply("ubuntu 4242 node server/index.js\n", 0))
	sess.HandlePrefix("ls -la", remotetest.Reply("server\npackage.json\n", 0))

	sections := NewRunner(setupTestLogger()).Diagnose(context.Background(), sess, testParams())

	titles := make([]string, 0, len(sections))
	for _, s := range sections {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{"processes", "listening", "firewall", "iptables", "loopback request", "files", "log"}, titles)
	assert.Equal(t, "ubuntu 4242 node server/index.js", sections[0].Output)
	assert.Equal(t, "server\npackage.json", sections[5].Output)
	assert.Len(t, sess.Commands(), len(sections))
}

func TestDiagnose_FailingChecksDoNotStopTheRun(t *testing.T) {
	sess := remotetest.NewSession()
	sess.HandlePrefix("sudo -n ufw", func(string) (remote.ExecResult, error) {
		return remote.ExecResult{}, io.ErrUnexpectedEOF
	})
	sess.HandlePrefix("tail", func(string) (remote.ExecResult, error) {
		return remote.ExecResult{Stderr: []byte("tail: cannot open '/tmp/gamble.log'"), ExitStatus: 1}, nil
	})

	sections := NewRunner(setupTestLogger()).Diagnose(context.Background(), sess, testParams())

	require.Len(t, sections, 7)
	assert.Equal(t, -1, sections[2].ExitStatus)
	assert.Empty(t, sections[2].Output)
	assert.Equal(t, 1, sections[6].ExitStatus)
	assert.Equal(t, "tail: cannot open '/tmp/gamble.log'", sections[6].Output)
}

func TestDiagnose_OptionalChecksOmitted(t *testing.T) {
	sess := remotetest.NewSession()
	p := testParams()
	p.RemoteRoot = ""
	p.LogPath = ""

	sections := NewRunner(setupTestLogger()).Diagnose(context.Background(), sess, p)
	assert.Len(t, sections, 5)
}

func TestDiagnose_CancelledContext(t *testing.T) {
	sess := remotetest.NewSession()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sections := NewRunner(setupTestLogger()).Diagnose(ctx, sess, testParams())
	assert.Empty(t, sections)
	assert.Empty(t, sess.Commands())
}

// =============================================================================
// Open Port Tests
// =============================================================================

func TestOpenPort(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		setup   func(sess *remotetest.Session)
		rules   string
		wantErr error
	}{
		{
			name: "allowed and listed",
			port: 4175,
			setup: func(sess *remotetest.Session) {
				sess.Handle(shellcmd.FirewallVerify(4175), remotetest.Reply("4175/tcp  ALLOW  Anywhere\n", 0))
			},
			rules: "4175/tcp  ALLOW  Anywhere",
		},
		{
			name:    "allowed but not listed",
			port:    4175,
			setup:   func(sess *remotetest.Session) { sess.Handle(shellcmd.FirewallVerify(4175), remotetest.Reply("", 1)) },
			wantErr: ErrRuleNotVisible,
		},
		{
			name: "ufw refuses",
			port: 4175,
			setup: func(sess *remotetest.Session) {
				sess.Handle(shellcmd.FirewallAllow(4175), remotetest.Reply("", 1))
			},
			wantErr: remote.ErrCommandFailed,
		},
		{
			name:    "invalid port",
			port:    70000,
			setup:   func(sess *remotetest.Session) {},
			wantErr: domain.ErrListeningPortInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := remotetest.NewSession()
			tt.setup(sess)

			rules, err := NewRunner(setupTestLogger()).OpenPort(context.Background(), sess, tt.port)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.rules, rules)
		})
	}
}

func TestOpenPort_VerifiesAfterAllow(t *testing.T) {
	sess := remotetest.NewSession()
	sess.Handle(shellcmd.FirewallVerify(8080), remotetest.Reply("8080/tcp ALLOW Anywhere\n", 0))

	_, err := NewRunner(setupTestLogger()).OpenPort(context.Background(), sess, 8080)
	require.NoError(t, err)
	assert.Equal(t, []string{shellcmd.FirewallAllow(8080), shellcmd.FirewallVerify(8080)}, sess.Commands())
}
