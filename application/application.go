package application

import (
	"fmt"
	"os"
	"strings"
	"time"

	zlog "github.com/lk2023060901/blog-garden-go/pkg/log"
	zviper "github.com/lk2023060901/blog-garden-go/pkg/util/viper"
)

// Application is the main runtime container for a Zeus service.
// It owns configuration and manages common dependencies.
type Application struct {
	cfg        *zviper.Config
	configPath string
	loggers    map[string]*zlog.MLogger
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// PresenceConfig holds the session coordinator settings.
type PresenceConfig struct {
	ReapInterval    time.Duration
	StaleAfter      time.Duration
	DeliveryTimeout time.Duration
}

// BuildConfig holds the site build settings.
type BuildConfig struct {
	Command string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// New creates a new Application instance.
func New() *Application {
	return &Application{}
}

// Run is the entry of Zeus application.
// It parses command-line arguments (os.Args) and loads configuration file
// using the following priority:
//  1. Default: ./config.yaml
//  2. Env: ZEUS_CONFIG_FILE_PATH
//  3. CLI: --config <path> or --config=<path>
//
// A missing config file at the default path is not an error; the service
// starts with built-in defaults. An explicitly given path must exist.
func (a *Application) Run() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := a.initLogging(); err != nil {
		return err
	}

	return nil
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *zviper.Config {
	return a.cfg
}

// Server returns the admin HTTP server settings.
func (a *Application) Server() ServerConfig {
	a.cfg.SetDefault("server.addr", ":8080")
	a.cfg.SetDefault("server.shutdown-timeout", "10s")

	return ServerConfig{
		Addr:            a.cfg.GetString("server.addr"),
		ShutdownTimeout: a.cfg.GetDuration("server.shutdown-timeout"),
	}
}

// Presence returns the session coordinator settings.
// Zero durations keep the coordinator's built-in defaults.
func (a *Application) Presence() PresenceConfig {
	return PresenceConfig{
		ReapInterval:    a.cfg.GetDuration("presence.reap-interval"),
		StaleAfter:      a.cfg.GetDuration("presence.stale-after"),
		DeliveryTimeout: a.cfg.GetDuration("presence.delivery-timeout"),
	}
}

// Build returns the site build settings.
func (a *Application) Build() BuildConfig {
	a.cfg.SetDefault("build.command", "make")
	a.cfg.SetDefault("build.args", []string{"site"})

	cfg := BuildConfig{
		Command: a.cfg.GetString("build.command"),
		Dir:     a.cfg.GetString("build.dir"),
		Timeout: a.cfg.GetDuration("build.timeout"),
	}
	if err := a.cfg.UnmarshalKey("build.args", &cfg.Args); err != nil {
		cfg.Args = nil
	}
	return cfg
}

// Logger returns a named logger created from configuration.
// If the name is unknown, it falls back to the global logger.
func (a *Application) Logger(name string) *zlog.MLogger {
	if a.loggers == nil {
		return &zlog.MLogger{Logger: zlog.L()}
	}
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

// loadConfig resolves config file path and loads it via viper wrapper.
func (a *Application) loadConfig() (*zviper.Config, error) {
	configPath := "./config.yaml"
	explicit := false

	if envPath := os.Getenv("ZEUS_CONFIG_FILE_PATH"); envPath != "" {
		configPath = envPath
		explicit = true
	}

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value after --config")
			}
			configPath = args[i+1]
			explicit = true
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			val := strings.TrimPrefix(arg, "--config=")
			if val != "" {
				configPath = val
				explicit = true
			}
			continue
		}
	}
	a.configPath = configPath

	cfg := zviper.New()
	if err := cfg.LoadFile(configPath); err != nil {
		if !explicit && os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to load config file %q: %w", configPath, err)
	}

	return cfg, nil
}

// initLogging initializes global and module-level loggers.
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	if err := a.initModuleLoggersFromConfig(); err != nil {
		return err
	}
	return nil
}

// initGlobalLoggerFromEnv configures the process-wide logger based on ZEUS_LOG_* env vars.
//
// Priority:
//   - ZEUS_LOG_ENABLE: "1"/"true" to enable outputs; others treated as disabled.
//   - ZEUS_LOG_LEVEL: log level (default "info").
//   - ZEUS_LOG_STDOUT: whether to log to stdout (default false).
//   - ZEUS_LOG_FILE_DIR: log directory.
//   - ZEUS_LOG_FILE: log file name (empty means no file).
//   - ZEUS_LOG_FORMAT: log format ("text" or "json", default "text").
func (a *Application) initGlobalLoggerFromEnv() error {
	enabled := getenvBool("ZEUS_LOG_ENABLE", false)

	cfg := &zlog.Config{
		Level:               getenvDefault("ZEUS_LOG_LEVEL", "info"),
		Format:              getenvDefault("ZEUS_LOG_FORMAT", "text"),
		DisableTimestamp:    false,
		Stdout:              getenvBool("ZEUS_LOG_STDOUT", false),
		DisableCaller:       false,
		DisableStacktrace:   false,
		DisableErrorVerbose: true,
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("ZEUS_LOG_FILE_DIR", ""),
			Filename: getenvDefault("ZEUS_LOG_FILE", ""),
		},
	}

	// When not enabled, direct all outputs to a discarded sink.
	if !enabled {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("init global logger from env: %w", err)
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig creates named loggers from YAML config under "logging" key.
//
// Example:
//
//	logging:
//	  presence:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: presence.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil {
		return nil
	}

	// Unmarshal "logging" section into a map[name]Config.
	raw := make(map[string]zlog.Config)
	if err := a.cfg.UnmarshalKey("logging", &raw); err != nil {
		// If the key doesn't exist, UnmarshalKey typically leaves raw empty without error.
		// Any real error should be returned.
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return fmt.Errorf("init module logger %q: %w", name, err)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger}
	}

	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
