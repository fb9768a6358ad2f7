package model

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"
)

// Mode selects what the automation job does with an account.
type Mode string

const (
	ModeVerify Mode = "verify"
	ModeClaim  Mode = "claim"
)

func (m Mode) Valid() bool {
	return m == ModeVerify || m == ModeClaim
}

// Outcome is the terminal result of one task run.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeSuccessNew   Outcome = "success_new"
	OutcomeSuccessOwned Outcome = "success_owned"
	OutcomeFail         Outcome = "fail"
)

// Succeeded reports whether o is one of the success outcomes.
func (o Outcome) Succeeded() bool {
	switch o {
	case OutcomeSuccess, OutcomeSuccessNew, OutcomeSuccessOwned:
		return true
	}
	return false
}

// Task is a single queued unit of work. The JSON form is the queue payload
// and carries the secret; String and LogValue never do.
type Task struct {
	Identity string `json:"email"`
	Secret   string `json:"password"`
	Mode     Mode   `json:"mode"`
}

func (t Task) Validate() error {
	if err := ValidateIdentity(t.Identity); err != nil {
		return err
	}
	if !t.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, t.Mode)
	}
	return nil
}

func (t Task) String() string {
	return fmt.Sprintf("%s(%s)", t.Mode, t.Identity)
}

func (t Task) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("identity", t.Identity),
		slog.String("mode", string(t.Mode)),
	)
}

// Account is a persisted credential.
type Account struct {
	Identity string
	Secret   string
}

func (a Account) LogValue() slog.Value {
	return slog.StringValue(a.Identity)
}

// Task returns a task of a given mode for the account.
func (a Account) Task(mode Mode) Task {
	return Task{Identity: a.Identity, Secret: a.Secret, Mode: mode}
}

const maxIdentityLen = 254

// ValidateIdentity accepts identities usable both as store keys and as a
// single path element of an account working directory.
func ValidateIdentity(identity string) error {
	switch {
	case identity == "":
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	case len(identity) > maxIdentityLen:
		return fmt.Errorf("%w: too long", ErrInvalidIdentity)
	case identity == "." || identity == "..":
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	case strings.ContainsAny(identity, `/\`):
		return fmt.Errorf("%w: contains a path separator", ErrInvalidIdentity)
	case strings.IndexFunc(identity, func(r rune) bool { return unicode.IsControl(r) || unicode.IsSpace(r) }) >= 0:
		return fmt.Errorf("%w: contains a space or a control character", ErrInvalidIdentity)
	}
	return nil
}
