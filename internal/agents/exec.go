package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

const (
	// ExitTempFail is the sysexits EX_TEMPFAIL code. A subprocess exiting
	// with it reports a Transient failure.
	ExitTempFail = 75

	// MaxResponseBytes caps what is read from a subprocess's stdout.
	MaxResponseBytes = 1024 * 1024

	stderrTail = 512
	waitDelay  = 5 * time.Second
)

// ExecHandler runs a subprocess per delegation.
type ExecHandler struct {
	command string
	args    []string
	env     []string
	logger  *zap.Logger
}

// NewExecHandler creates a handler that runs command with args. env is
// added to the parent environment.
func NewExecHandler(command string, args []string, env map[string]string, logger *zap.Logger) *ExecHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vars := make([]string, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, k+"="+env[k])
	}
	return &ExecHandler{command: command, args: args, env: vars, logger: logger}
}

// Invoke implements agent.Handler.
func (h *ExecHandler) Invoke(ctx context.Context, task agent.Task, slice agent.ContextSlice, grant agent.BudgetSlice) (*agent.Result, error) {
	in, err := json.Marshal(NewRequest(task, slice, grant))
	if err != nil {
		return nil, agent.Fatal(fmt.Errorf("encoding request: %w", err))
	}

	stdout := &cappedBuffer{limit: MaxResponseBytes}
	stderr := &cappedBuffer{limit: 64 * 1024, keepTail: true}

	cmd := exec.CommandContext(ctx, h.command, h.args...)
	cmd.Env = append(os.Environ(), h.env...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err = cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	h.logger.Debug("exec handler finished",
		zap.String("task", describe(task)),
		zap.String("command", h.command),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, agent.Fatal(fmt.Errorf("running %s: %w", h.command, err))
		}
		msg := fmt.Sprintf("%s exited with code %d", h.command, exitErr.ExitCode())
		if errTail := tail(stderr.String(), stderrTail); errTail != "" {
			msg += ": " + errTail
		}
		if exitErr.ExitCode() == ExitTempFail {
			return nil, &agent.Error{Class: agent.ErrorTransient, Message: msg}
		}
		return nil, &agent.Error{Class: agent.ErrorFatal, Message: msg}
	}

	if stdout.truncated {
		return nil, agent.NewError(agent.ErrorValidationFailure, "response exceeds %d bytes", MaxResponseBytes)
	}
	return decodeResponse(stdout.Bytes())
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// cappedBuffer retains at most limit bytes: the head, or the tail when
// keepTail is set. Writes never fail so the child is not killed by EPIPE.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	keepTail  bool
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.keepTail {
		b.buf.Write(p)
		if over := b.buf.Len() - b.limit; over > 0 {
			b.buf.Next(over)
			b.truncated = true
		}
		return n, nil
	}
	room := b.limit - b.buf.Len()
	if room < len(p) {
		b.truncated = true
		if room < 0 {
			room = 0
		}
		p = p[:room]
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) Bytes() []byte  { return b.buf.Bytes() }
func (b *cappedBuffer) String() string { return b.buf.String() }
