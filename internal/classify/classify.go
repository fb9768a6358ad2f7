// Package classify turns the line-oriented output of the automation job
// into progress updates and a run outcome.
//
// A Classifier owns the state of one task run: a set of sticky flags which
// are never reset, except criticalError, which a later "already owned" line
// clears. The reverse does not hold: a critical error following the
// ownership line overrides it, and the run fails.
//
// Lines are matched against an ordered rule table; every matching rule is
// applied in table order, but a fatal rule stops the evaluation and turns
// the classifier into the aborted state. The caller must then kill
// the job and destroy the account; an aborted classifier ignores any
// further line.
//
// The literal patterns are a contract with the automation job and must
// change together with it.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/epickiosk/kiosk/internal/model"
	"github.com/epickiosk/kiosk/internal/status"
)

// Patterns emitted by the automation job.
const (
	PatternCookiesUnavailable = "context cookies is not available"
	PatternInvalidCredentials = "invalid_account_credentials"
	PatternNoOrderButton      = "Could not find Place Order button"
	PatternTimeout            = "Timeout 30000ms exceeded"
	PatternAlreadyOwned       = "Already in the library"
	PatternAuthenticated      = "Authentication completed"
	PatternAlreadyLoggedIn    = "already logged in"
	PatternTitle              = `"title":`
	PatternCompleted          = "Free games collection completed"
)

// Status messages shown to polling clients.
const (
	MsgInitializing       = "initializing environment..."
	MsgCookiesUnavailable = "login failed: invalid account, removed automatically"
	MsgInvalidCredentials = "wrong password: account removed automatically"
	MsgNoOrderButton      = "warning: place order button not found"
	MsgTimeout            = "network timeout, retrying..."
	MsgAlreadyOwned       = "game already in the library"
	MsgLoggedIn           = "login finished"
	MsgScanned            = "found: %s"
	MsgRunFailed          = "task ended abnormally (timeout/failure)"
	MsgDoneOwned          = "task completed (game already in the library)"
	MsgDoneNew            = "new game claimed!"
	MsgVerified           = "verification passed"
	MsgVerifyFailed       = "verification failed"
	MsgSystemError        = "system error"
)

var titleRx = regexp.MustCompile(`"title":\s*"([^"]+)"`)

// Store is the part of the status store a classifier writes to.
type Store interface {
	SetStatus(ctx context.Context, identity, msg string, ttl time.Duration) error
	Status(ctx context.Context, identity string) (string, bool, error)
	SetResult(ctx context.Context, identity string, outcome model.Outcome, ttl time.Duration) error
	Result(ctx context.Context, identity string) (model.Outcome, bool, error)
	SetPending(ctx context.Context, identity, title string, ttl time.Duration) error
	Pending(ctx context.Context, identity string) (string, bool, error)
}

// Reporter confirms a claimed title. Failures are its own business.
type Reporter interface {
	ReportClaim(ctx context.Context, identity, title string)
}

// Covers acquires cover art for a title, best effort.
type Covers interface {
	Cover(ctx context.Context, title string) (string, error)
}

// Verdict tells the caller whether to keep feeding lines.
type Verdict int

const (
	Continue Verdict = iota
	Abort
)

func (v Verdict) String() string {
	if v == Abort {
		return "abort"
	}
	return "continue"
}

// Flags is the sticky state of a run.
type Flags struct {
	LoginSuccess  bool
	CriticalError bool
	AlreadyOwned  bool
	FatalFailure  bool
}

type Classifier struct {
	identity string
	mode     model.Mode
	store    Store
	reporter Reporter
	covers   Covers

	flags Flags
	// set by a critical error following the ownership line
	ownedOverridden bool
	claimed         string
	lines           int
}

// New returns a classifier for one run. reporter and covers may be nil.
func New(task model.Task, store Store, reporter Reporter, covers Covers) *Classifier {
	return &Classifier{
		identity: task.Identity,
		mode:     task.Mode,
		store:    store,
		reporter: reporter,
		covers:   covers,
	}
}

func (c *Classifier) Flags() Flags { return c.flags }

// Claimed returns the title reported at completion, if any.
func (c *Classifier) Claimed() string { return c.claimed }

// Lines returns the number of non-empty lines classified so far.
func (c *Classifier) Lines() int { return c.lines }

type rule struct {
	name  string
	match func(line string) bool
	apply func(ctx context.Context, c *Classifier, line string) Verdict
}

func contains(pattern string) func(string) bool {
	return func(line string) bool { return strings.Contains(line, pattern) }
}

// rules are evaluated top to bottom, fatal first.
var rules = []rule{
	{
		name:  "cookies_unavailable",
		match: contains(PatternCookiesUnavailable),
		apply: fatal(MsgCookiesUnavailable),
	},
	{
		name:  "invalid_credentials",
		match: contains(PatternInvalidCredentials),
		apply: fatal(MsgInvalidCredentials),
	},
	{
		name:  "no_order_button",
		match: contains(PatternNoOrderButton),
		apply: critical(MsgNoOrderButton),
	},
	{
		name:  "timeout",
		match: contains(PatternTimeout),
		apply: critical(MsgTimeout),
	},
	{
		name:  "already_owned",
		match: contains(PatternAlreadyOwned),
		apply: func(ctx context.Context, c *Classifier, _ string) Verdict {
			c.flags.AlreadyOwned = true
			c.flags.CriticalError = false
			c.ownedOverridden = false
			c.setStatus(ctx, MsgAlreadyOwned, status.StatusTTL)
			return Continue
		},
	},
	{
		name: "logged_in",
		match: func(line string) bool {
			return strings.Contains(line, PatternAuthenticated) || strings.Contains(line, PatternAlreadyLoggedIn)
		},
		apply: func(ctx context.Context, c *Classifier, _ string) Verdict {
			c.flags.LoginSuccess = true
			c.setStatus(ctx, MsgLoggedIn, status.StatusTTL)
			return Continue
		},
	},
	{
		name:  "title",
		match: contains(PatternTitle),
		apply: func(ctx context.Context, c *Classifier, l string) Verdict { return c.scanTitle(ctx, l) },
	},
	{
		name:  "completed",
		match: contains(PatternCompleted),
		apply: func(ctx context.Context, c *Classifier, l string) Verdict { return c.complete(ctx, l) },
	},
}

func fatal(msg string) func(context.Context, *Classifier, string) Verdict {
	return func(ctx context.Context, c *Classifier, _ string) Verdict {
		c.flags.FatalFailure = true
		c.setStatus(ctx, msg, status.FatalStatusTTL)
		c.setResult(ctx, model.OutcomeFail)
		return Abort
	}
}

func critical(msg string) func(context.Context, *Classifier, string) Verdict {
	return func(ctx context.Context, c *Classifier, _ string) Verdict {
		c.flags.CriticalError = true
		if c.flags.AlreadyOwned {
			c.ownedOverridden = true
		}
		c.setStatus(ctx, msg, status.StatusTTL)
		return Continue
	}
}

// Feed classifies one output line.
func (c *Classifier) Feed(ctx context.Context, line string) Verdict {
	if c.flags.FatalFailure {
		return Abort
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return Continue
	}
	c.lines++

	for _, r := range rules {
		if !r.match(line) {
			continue
		}
		slog.DebugContext(ctx, "line matched", "rule", r.name)
		if r.apply(ctx, c, line) == Abort {
			slog.WarnContext(ctx, "fatal pattern", "rule", r.name)
			return Abort
		}
	}
	return Continue
}

func (c *Classifier) scanTitle(ctx context.Context, line string) Verdict {
	m := titleRx.FindStringSubmatch(line)
	if m == nil {
		slog.DebugContext(ctx, "title announcement without a title", "line", line)
		return Continue
	}
	title := m[1]
	c.setStatus(ctx, fmt.Sprintf(MsgScanned, title), status.StatusTTL)
	if err := c.store.SetPending(ctx, c.identity, title, status.PendingTTL); err != nil {
		slog.ErrorContext(ctx, "storing pending game failed", "error", err)
	}
	if c.covers != nil {
		if _, err := c.covers.Cover(ctx, title); err != nil {
			slog.WarnContext(ctx, "cover acquisition failed", "title", title, "error", err)
		}
	}
	return Continue
}

func (c *Classifier) complete(ctx context.Context, _ string) Verdict {
	owned := c.flags.AlreadyOwned && !c.ownedOverridden
	switch {
	case c.flags.FatalFailure:
		return Abort
	case c.flags.CriticalError && !owned:
		c.setStatus(ctx, MsgRunFailed, status.StatusTTL)
		c.setResult(ctx, model.OutcomeFail)
		return Continue
	}

	title, ok, err := c.store.Pending(ctx, c.identity)
	if err != nil {
		slog.ErrorContext(ctx, "reading pending game failed", "error", err)
	}
	if ok && c.reporter != nil {
		c.reporter.ReportClaim(ctx, c.identity, title)
		c.claimed = title
	}
	if owned {
		c.setStatus(ctx, MsgDoneOwned, status.StatusTTL)
		c.setResult(ctx, model.OutcomeSuccessOwned)
	} else {
		c.setStatus(ctx, MsgDoneNew, status.StatusTTL)
		c.setResult(ctx, model.OutcomeSuccessNew)
	}
	return Continue
}

// Finish runs after the job exited on its own. Verify runs rarely reach the
// completion marker, so their outcome is derived from the flags, without
// overwriting an outcome already written.
func (c *Classifier) Finish(ctx context.Context) {
	if c.mode != model.ModeVerify || c.flags.FatalFailure {
		return
	}
	_, hasResult, err := c.store.Result(ctx, c.identity)
	if err != nil {
		slog.ErrorContext(ctx, "reading result failed", "error", err)
		return
	}
	if hasResult {
		return
	}

	if c.flags.LoginSuccess && !c.flags.CriticalError {
		c.setResult(ctx, model.OutcomeSuccess)
		c.setStatus(ctx, MsgVerified, status.StatusTTL)
		return
	}

	c.setResult(ctx, model.OutcomeFail)
	_, hasStatus, err := c.store.Status(ctx, c.identity)
	if err != nil {
		slog.ErrorContext(ctx, "reading status failed", "error", err)
		return
	}
	if !hasStatus {
		c.setStatus(ctx, MsgVerifyFailed, status.StatusTTL)
	}
}

func (c *Classifier) setStatus(ctx context.Context, msg string, ttl time.Duration) {
	if err := c.store.SetStatus(ctx, c.identity, msg, ttl); err != nil {
		slog.ErrorContext(ctx, "storing status failed", "error", err)
	}
}

func (c *Classifier) setResult(ctx context.Context, outcome model.Outcome) {
	if err := c.store.SetResult(ctx, c.identity, outcome, status.ResultTTL); err != nil {
		slog.ErrorContext(ctx, "storing result failed", "outcome", outcome, "error", err)
	}
}
