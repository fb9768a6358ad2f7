package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/epickiosk/kiosk/internal/log"
	"github.com/epickiosk/kiosk/internal/model"
)

var (
	userConfigPath string // /default/config/path/kiosk on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagEmail          string // value of enqueue --email
	flagMode           string // value of enqueue --mode
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "kiosk")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is kiosk.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	enqueueCmd.Flags().StringVar(&flagEmail, "email", "", "stored account to enqueue")
	enqueueCmd.Flags().StringVar(&flagMode, "mode", string(model.ModeClaim), "task mode: claim or verify")
	_ = enqueueCmd.MarkFlagRequired("email")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initKiosk

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("kiosk failed", "err", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "kiosk",
	Short:        "Queue fed automation of recurring account jobs",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the http api and the daily scheduler",
	RunE:  doServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run one worker, scale by starting more of them",
	RunE:  doWorker,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "push a task for a stored account",
	RunE:  doEnqueue,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a kiosk",
	// no config needed
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("kiosk: version info not available")
			return
		}

		fmt.Printf("kiosk:  %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initKiosk(cmd *cobra.Command, _ []string) error {
	// secrets usually come from .env next to the compose file
	if exists(".env") {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("loading .env: %w", err)
		}
	}

	if envConfig, ok := os.LookupEnv("KIOSKCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "kiosk.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, "kiosk.yaml")
		if err := writeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d.String(), d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	applyEnv(&config)

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}
	slog.SetDefault(log.New(config.Service))

	// the worker command is decoded by viper from the same file
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("KIOSK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config with viper: %w", err)
	}

	slog.Debug("kiosk run", "configPath", configPath)
	return nil
}

// applyEnv lets secrets stay out of the config file.
func applyEnv(cfg *model.Config) {
	for name, dst := range map[string]*string{
		"KIOSK_REDIS_ADDR":     &cfg.Redis.Addr,
		"KIOSK_REDIS_PASSWORD": &cfg.Redis.Password,
		"KIOSK_HTTP_TOKEN":     &cfg.HTTP.Token,
		"KIOSK_WEB_URL":        &cfg.Web.URL,
		"KIOSK_WEB_TOKEN":      &cfg.Web.Token,
	} {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
}

func writeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := yaml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
