// Package destroy implements the irreversible removal of an account.
//
// Destroy may run several times, concurrently, or on partially removed state.
// Every step deletes if exists, a failing step is logged and the next one
// runs anyway, and nothing escapes the function boundary.
package destroy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/epickiosk/kiosk/internal/log"
	"github.com/epickiosk/kiosk/internal/model"
)

// Remote is the trusted deletion entrypoint of the serving side.
type Remote interface {
	Nuke(ctx context.Context, identity string) (string, error)
}

// Accounts removes the persisted account record.
type Accounts interface {
	DeleteAccount(ctx context.Context, identity string) (bool, error)
}

// Evictor removes every cached key of an identity.
type Evictor interface {
	Evict(ctx context.Context, identity string) (int64, error)
}

// Protocol holds the targets of a destruction. Nil targets are skipped, so
// the worker side sets Remote and the serving side sets Accounts.
type Protocol struct {
	// Delay lets a just killed job release its file handles.
	Delay    time.Duration
	Remote   Remote
	Accounts Accounts
	// Dirs are the base directories holding <base>/<identity>.
	Dirs  []string
	Store Evictor
}

// Step is the outcome of one destruction step.
type Step struct {
	Name   string
	Detail string
	Err    error
}

type Summary struct {
	Identity string
	Steps    []Step
}

// Failed reports whether any step failed.
func (s Summary) Failed() bool {
	for _, step := range s.Steps {
		if step.Err != nil {
			return true
		}
	}
	return false
}

func (s Summary) String() string {
	parts := make([]string, 0, len(s.Steps))
	for _, step := range s.Steps {
		if step.Err != nil {
			parts = append(parts, step.Name+" failed")
			continue
		}
		parts = append(parts, step.Detail)
	}
	return strings.Join(parts, ", ")
}

// Destroy runs the protocol for identity. The context only bounds the
// delay: once started, the deletion steps run to the end.
func (p Protocol) Destroy(ctx context.Context, identity string) Summary {
	ctx = log.ContextAttrs(ctx, slog.String("identity", identity))
	slog.WarnContext(ctx, "destroying account")

	if p.Delay > 0 {
		t := time.NewTimer(p.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	ctx = context.WithoutCancel(ctx)

	summary := Summary{Identity: identity}
	run := func(name string, fn func() (string, error)) {
		step := runStep(ctx, name, fn)
		summary.Steps = append(summary.Steps, step)
	}

	if p.Remote != nil {
		run("remote", func() (string, error) {
			msg, err := p.Remote.Nuke(ctx, identity)
			if err != nil {
				return "", err
			}
			return "remote: " + msg, nil
		})
	}
	if p.Accounts != nil {
		run("account", func() (string, error) {
			deleted, err := p.Accounts.DeleteAccount(ctx, identity)
			if err != nil {
				return "", err
			}
			if deleted {
				return "account row deleted", nil
			}
			return "account row absent", nil
		})
	}
	for _, base := range p.Dirs {
		run("directory", func() (string, error) {
			return removeDir(base, identity)
		})
	}
	if p.Store != nil {
		run("cache", func() (string, error) {
			n, err := p.Store.Evict(ctx, identity)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d cache keys evicted", n), nil
		})
	}

	if summary.Failed() {
		slog.ErrorContext(ctx, "account destroyed with failures", "summary", summary.String())
	} else {
		slog.InfoContext(ctx, "account destroyed", "summary", summary.String())
	}
	return summary
}

func runStep(ctx context.Context, name string, fn func() (string, error)) (step Step) {
	step.Name = name
	defer func() {
		if r := recover(); r != nil {
			step.Err = fmt.Errorf("panic: %v", r)
			slog.ErrorContext(ctx, "destruction step panicked", "step", name, "panic", r)
		}
	}()
	detail, err := fn()
	if err != nil {
		slog.ErrorContext(ctx, "destruction step failed", "step", name, "error", err)
		step.Err = err
		return step
	}
	step.Detail = detail
	return step
}

func removeDir(base, identity string) (string, error) {
	if err := model.ValidateIdentity(identity); err != nil {
		return "", err
	}
	dir := filepath.Join(base, identity)
	if _, err := os.Lstat(dir); errors.Is(err, fs.ErrNotExist) {
		return dir + " absent", nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	return dir + " removed", nil
}
