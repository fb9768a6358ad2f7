package model_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/epickiosk/kiosk/internal/model"
	"github.com/stretchr/testify/require"
)

func TestTaskNeverRendersSecret(t *testing.T) {
	t.Parallel()
	task := model.Task{Identity: "player@example.com", Secret: "hunter2", Mode: model.ModeVerify}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("task", "task", task)
	require.Contains(t, buf.String(), "player@example.com")
	require.NotContains(t, buf.String(), "hunter2")
	require.NotContains(t, task.String(), "hunter2")

	raw, err := json.Marshal(task)
	require.NoError(t, err)
	require.JSONEq(t, `{"email":"player@example.com","password":"hunter2","mode":"verify"}`, string(raw))
}

func TestValidateIdentity(t *testing.T) {
	t.Parallel()
	cases := []struct {
		given string
		ok    bool
	}{
		{"player@example.com", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../etc", false},
		{`a\b`, false},
		{"a b", false},
		{"a\x00b", false},
		{strings.Repeat("a", 255), false},
	}
	for _, tc := range cases {
		err := model.ValidateIdentity(tc.given)
		if tc.ok {
			require.NoError(t, err, tc.given)
		} else {
			require.ErrorIs(t, err, model.ErrInvalidIdentity, tc.given)
		}
	}

	err := model.Task{Identity: "a@b.c", Mode: "steal"}.Validate()
	require.ErrorIs(t, err, model.ErrInvalidMode)
}

func TestOutcomeSucceeded(t *testing.T) {
	t.Parallel()
	require.True(t, model.OutcomeSuccess.Succeeded())
	require.True(t, model.OutcomeSuccessNew.Succeeded())
	require.True(t, model.OutcomeSuccessOwned.Succeeded())
	require.False(t, model.OutcomeFail.Succeeded())
	require.False(t, model.Outcome("").Succeeded())
}
