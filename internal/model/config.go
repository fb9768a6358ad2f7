package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultQueueKey    = "task_queue"
	DefaultCron        = "0 12 * * *"
	DefaultListen      = ":8000"
	DefaultWebURL      = "http://web:8000"
	DefaultIdentityEnv = "EPIC_EMAIL"
	DefaultSecretEnv   = "EPIC_PASSWORD"
	DefaultModeEnv     = "EPIC_MODE"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version  int      `json:"version" yaml:"version"` // fixed 0 for now
	Service  Service  `json:"service" yaml:"service"`
	Redis    Redis    `json:"redis" yaml:"redis"`
	HTTP     HTTP     `json:"http,omitempty" yaml:"http,omitempty"`
	Web      Web      `json:"web,omitempty" yaml:"web,omitempty"`
	Database Database `json:"database" yaml:"database"`
	Data     Data     `json:"data" yaml:"data"`
	Queue    Queue    `json:"queue,omitempty" yaml:"queue,omitempty"`
	Limiter  Limiter  `json:"limiter,omitempty" yaml:"limiter,omitempty"`
	Schedule Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Worker   Worker   `json:"worker,omitempty" yaml:"worker,omitempty"`
}

type Service struct {
	Verbose bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"
}

type Redis struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
}

// HTTP configures the request serving side. Token guards the trusted
// endpoints reachable only by workers.
type HTTP struct {
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
	Token  string `json:"token,omitempty" yaml:"token,omitempty"`
}

// Web is where a worker reaches the request serving side.
type Web struct {
	URL   string `json:"url" yaml:"url"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

type Database struct {
	Path string `json:"path" yaml:"path"`
}

// Data lists the per-account working directory roots. Each account owns
// <profile>/<identity> under every entry.
type Data struct {
	Profiles []string `json:"profiles" yaml:"profiles"`
	Images   string   `json:"images,omitempty" yaml:"images,omitempty"`
}

type Queue struct {
	Key        string `json:"key,omitempty" yaml:"key,omitempty"`
	PopTimeout string `json:"pop_timeout,omitempty" yaml:"pop_timeout,omitempty"`
}

type Limiter struct {
	Window string `json:"window,omitempty" yaml:"window,omitempty"`
	Max    int    `json:"max,omitempty" yaml:"max,omitempty"`
}

type Schedule struct {
	Enabled  *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Jitter   string `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Worker holds the supervisor settings. The command itself lives under
// worker.command and is decoded separately, see worker.ParseConfig.
type Worker struct {
	IdentityEnv  string `json:"identity_env,omitempty" yaml:"identity_env,omitempty"`
	SecretEnv    string `json:"secret_env,omitempty" yaml:"secret_env,omitempty"`
	ModeEnv      string `json:"mode_env,omitempty" yaml:"mode_env,omitempty"`
	DestroyDelay string `json:"destroy_delay,omitempty" yaml:"destroy_delay,omitempty"`
	LockTTL      string `json:"lock_ttl,omitempty" yaml:"lock_ttl,omitempty"`
}

// DefaultConfig returns the configuration written on a first start.
func DefaultConfig(_ context.Context) Config {
	enabled := true
	return Config{
		Service: Service{Log: LogStderr},
		Redis:   Redis{Addr: "localhost:6379"},
		HTTP:    HTTP{Listen: DefaultListen},
		Web:     Web{URL: DefaultWebURL},
		Database: Database{
			Path: "/app/data/kiosk.db",
		},
		Data: Data{
			Profiles: []string{"/app/data/user_data", "/app/app/volumes/user_data"},
			Images:   "/app/data/images",
		},
		Queue:   Queue{Key: DefaultQueueKey, PopTimeout: "10s"},
		Limiter: Limiter{Window: "1h", Max: 5},
		Schedule: Schedule{
			Enabled: &enabled,
			Cron:    DefaultCron,
			Jitter:  "1h",
		},
		Worker: Worker{
			IdentityEnv:  DefaultIdentityEnv,
			SecretEnv:    DefaultSecretEnv,
			ModeEnv:      DefaultModeEnv,
			DestroyDelay: "5s",
			LockTTL:      "2h",
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Values the schema leaves optional get their defaults.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	out.applyDefaults()
	if err := out.Check(); err != nil {
		return Config{}, err
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(context.Background())
	if c.Service.Log == "" {
		c.Service.Log = d.Service.Log
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = d.HTTP.Listen
	}
	if c.Web.URL == "" {
		c.Web.URL = d.Web.URL
	}
	if c.Queue.Key == "" {
		c.Queue.Key = d.Queue.Key
	}
	if c.Queue.PopTimeout == "" {
		c.Queue.PopTimeout = d.Queue.PopTimeout
	}
	if c.Limiter.Window == "" {
		c.Limiter.Window = d.Limiter.Window
	}
	if c.Limiter.Max == 0 {
		c.Limiter.Max = d.Limiter.Max
	}
	if c.Schedule.Enabled == nil {
		c.Schedule.Enabled = d.Schedule.Enabled
	}
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = d.Schedule.Cron
	}
	if c.Schedule.Jitter == "" {
		c.Schedule.Jitter = d.Schedule.Jitter
	}
	if c.Worker.IdentityEnv == "" {
		c.Worker.IdentityEnv = d.Worker.IdentityEnv
	}
	if c.Worker.SecretEnv == "" {
		c.Worker.SecretEnv = d.Worker.SecretEnv
	}
	if c.Worker.ModeEnv == "" {
		c.Worker.ModeEnv = d.Worker.ModeEnv
	}
	if c.Worker.DestroyDelay == "" {
		c.Worker.DestroyDelay = d.Worker.DestroyDelay
	}
	if c.Worker.LockTTL == "" {
		c.Worker.LockTTL = d.Worker.LockTTL
	}
}

// Check validates what the schema can't: cron expression, durations and
// the time zone.
func (c Config) Check() error {
	var errs []error
	if _, err := ParseCron(c.Schedule.Cron); err != nil {
		errs = append(errs, fmt.Errorf("schedule.cron: %w", err))
	}
	if _, err := c.Schedule.Location(); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
	}
	for path, value := range map[string]string{
		"queue.pop_timeout":    c.Queue.PopTimeout,
		"limiter.window":       c.Limiter.Window,
		"schedule.jitter":      c.Schedule.Jitter,
		"worker.destroy_delay": c.Worker.DestroyDelay,
		"worker.lock_ttl":      c.Worker.LockTTL,
	} {
		if _, err := ParseCueDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

func (q Queue) PopTimeoutDuration() time.Duration { return mustDuration(q.PopTimeout) }

func (l Limiter) WindowDuration() time.Duration { return mustDuration(l.Window) }

func (s Schedule) JitterDuration() time.Duration { return mustDuration(s.Jitter) }

func (s Schedule) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Location returns the time zone the daily trigger is evaluated in.
// Empty means the local time zone.
func (s Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

func (w Worker) DestroyDelayDuration() time.Duration { return mustDuration(w.DestroyDelay) }

func (w Worker) LockTTLDuration() time.Duration { return mustDuration(w.LockTTL) }

// mustDuration returns zero for values Check would have rejected
func mustDuration(s string) time.Duration {
	d, err := ParseCueDuration(s)
	if err != nil {
		return 0
	}
	return d
}
