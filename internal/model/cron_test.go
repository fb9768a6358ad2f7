package model_test

import (
	"testing"
	"time"

	"github.com/epickiosk/kiosk/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		interval time.Duration
		wantErr  bool
	}{
		{"daily", "0 12 * * *", 24 * time.Hour, false},
		{"hourly_macro", "@hourly", time.Hour, false},
		{"every", "@every 5m", 5 * time.Minute, false},
		{"six_fields", "0 0 12 * * *", 0, true},
		{"out_of_range", "* * 32 * *", 0, true},
		{"empty", "  ", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			got, err := model.ParseCron(tc.given)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.interval, got)
		})
	}
}

func TestParseCueDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		given   string
		then    time.Duration
		wantErr bool
	}{
		{"1d", 24 * time.Hour, false},
		{"1h30m", 90 * time.Minute, false},
		{"5s", 5 * time.Second, false},
		{"1d2h3m4s", 26*time.Hour + 3*time.Minute + 4*time.Second, false},
		{"", 0, true},
		{"1m1h", 0, true},
		{"10 seconds", 0, true},
		{"99999999999999999d", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.given, func(t *testing.T) {
			t.Parallel()
			got, err := model.ParseCueDuration(tc.given)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, got)
		})
	}
}
