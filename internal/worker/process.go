package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxLineBytes bounds a single output line, the rest of a longer line is
// dropped.
const maxLineBytes = 1 << 20

var ErrLinesConsumed = errors.New("output already consumed")

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// WithEnv returns a copy of the command with extra environment entries.
func (c Command) WithEnv(env ...string) Command {
	c.Env = append(append([]string(nil), c.Env...), env...)
	return c
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	Err      error
	Killed   bool
	TimedOut bool
}

// ExitCode returns the job exit code, -1 if killed by a signal or not
// started at all.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Process is a running automation job. Stdout and stderr share one pipe, so
// Lines yields them in the order the job wrote them.
type Process struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cmd      *exec.Cmd
	out      *os.File
	consumed atomic.Bool
	killed   atomic.Bool
	waitOnce sync.Once
	result   Result
}

// Start spawns the job in its own process group. The timeout, if any, is a
// watchdog: when it fires the whole group gets killed. The caller must
// call Wait on every path to reap the child.
func Start(ctx context.Context, proto Command) (*Process, error) {
	var cancel context.CancelFunc
	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
	}

	r, w, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, err
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Stdout = w
	cmd.Stderr = w
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killGroup(cmd.Process)
	}

	p := &Process{
		ctx:    ctx,
		cancel: cancel,
		cmd:    cmd,
		out:    r,
		result: Result{
			Path:    proto.Path,
			Args:    append([]string(nil), proto.Args...),
			Started: time.Now().UTC(),
		},
	}
	err = cmd.Start()
	// the child owns its copy of the write end, ours must go or Lines
	// never sees EOF
	_ = w.Close()
	if err != nil {
		_ = r.Close()
		cancel()
		return nil, err
	}
	return p, nil
}

// Pid returns the job pid, which is also its process group id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Lines yields the merged output line by line until the job and all its
// descendants close their output. It can be ranged over once.
func (p *Process) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !p.consumed.CompareAndSwap(false, true) {
			slog.WarnContext(p.ctx, "lines requested twice", "error", ErrLinesConsumed)
			return
		}
		err := readLines(p.out, yield)
		if err != nil && !errors.Is(err, os.ErrClosed) {
			slog.WarnContext(p.ctx, "reading job output", "error", err)
		}
	}
}

func readLines(r io.Reader, yield func(string) bool) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if room := maxLineBytes - len(line); room > 0 {
			line = append(line, chunk[:min(room, len(chunk))]...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if len(line) > 0 {
			if !yield(strings.TrimRight(string(line), "\r\n")) {
				return nil
			}
		}
		line = line[:0]
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Kill stops the whole process group immediately.
func (p *Process) Kill() error {
	p.killed.Store(true)
	err := killGroup(p.cmd.Process)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait reaps the job and returns its result. It is safe to call more than
// once.
func (p *Process) Wait() Result {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		timedOut := errors.Is(p.ctx.Err(), context.DeadlineExceeded)
		p.cancel()
		_ = p.out.Close()

		p.result.Stopped = time.Now().UTC()
		p.result.State = p.cmd.ProcessState
		p.result.Err = err
		p.result.Killed = p.killed.Load()
		p.result.TimedOut = timedOut
	})
	return p.result
}
