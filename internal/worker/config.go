package worker

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the automation job command, decoded from the worker section.
type Config struct {
	Command struct {
		Path    string            `mapstructure:"path"`
		Args    []string          `mapstructure:"args"`
		Env     map[string]string `mapstructure:"env"`
		Timeout time.Duration     `mapstructure:"timeout"`
	} `mapstructure:"command"`
}

func ParseConfig(key string) (Config, error) {
	var cfg Config
	err := viper.UnmarshalKey(key, &cfg)
	return cfg, err
}

// Cmd builds the command prototype. Values starting with $ are expanded from
// the worker environment, keys are upper cased (viper lower cases them).
func (c Config) Cmd() Command {
	keys := make([]string, 0, len(c.Command.Env))
	for k := range c.Command.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		v := c.Command.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return Command{
		Path:    c.Command.Path,
		Args:    c.Command.Args,
		Env:     env,
		Timeout: c.Command.Timeout,
	}
}
