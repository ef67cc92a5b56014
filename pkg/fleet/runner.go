package fleet

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// stderrTailBytes bounds how much remote stderr is kept for error messages.
const stderrTailBytes = 4 << 10

// Runner launches argv on node and streams its stdout.
type Runner interface {
	Run(ctx context.Context, node string, argv []string, stdout io.Writer) error
}

// SSHRunner runs commands through the ssh client in batch mode.
type SSHRunner struct {
	User    string
	Options []string
	logger  *zap.Logger
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewSSHRunner returns a Runner that logs in as user (empty for the ssh default).
// Remote stderr is relayed line by line to logger.
func NewSSHRunner(user string, options []string, logger *zap.Logger) *SSHRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSHRunner{User: user, Options: options, logger: logger, command: exec.CommandContext}
}

// Args returns the ssh argument vector for running argv on node.
func (r *SSHRunner) Args(node string, argv []string) []string {
	args := []string{"-o", "BatchMode=yes"}
	for _, opt := range r.Options {
		args = append(args, "-o", opt)
	}
	target := node
	if r.User != "" {
		target = r.User + "@" + node
	}
	return append(args, target, "--", quoteCommand(argv))
}

// Run implements Runner. Remote stderr is logged as it arrives; its last line is
// folded into the returned error.
func (r *SSHRunner) Run(ctx context.Context, node string, argv []string, stdout io.Writer) error {
	relay := &zapio.Writer{Log: r.logger.With(zap.String("node", node)), Level: zap.InfoLevel}
	tail := &tailBuffer{max: stderrTailBytes}
	cmd := r.command(ctx, "ssh", r.Args(node, argv)...)
	cmd.Stdout = stdout
	cmd.Stderr = io.MultiWriter(relay, tail)
	err := cmd.Run()
	_ = relay.Close()
	if err != nil {
		if msg := strings.TrimSpace(tail.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		return err
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

func quoteCommand(argv []string) string {
	quoted := make([]string, 0, len(argv))
	for _, a := range argv {
		quoted = append(quoted, shellescape.Quote(a))
	}
	return strings.Join(quoted, " ")
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
