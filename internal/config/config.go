// Package config loads hotwatch settings with Viper from the config file,
// HOTWATCH_ environment variables and command-line flags.
//
// Keys are grouped by the component they configure (watch, serve, run,
// server, bus, shutdown, log). Defaults are registered on the Viper
// instance so that every key is visible to `config show` and to
// AutomaticEnv lookups.
package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	hwerrors "github.com/conneroisu/hotwatch/internal/errors"
	"github.com/conneroisu/hotwatch/internal/logging"
	"github.com/conneroisu/hotwatch/internal/runner"
	"github.com/conneroisu/hotwatch/internal/validation"
	"github.com/conneroisu/hotwatch/internal/watcher"
)

// EnvPrefix prefixes every environment override, e.g. HOTWATCH_SERVER_PORT.
const EnvPrefix = "HOTWATCH"

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = ".hotwatch.yml"

type Config struct {
	Watch    WatchConfig    `mapstructure:"watch" json:"watch" yaml:"watch"`
	Serve    ServeConfig    `mapstructure:"serve" json:"serve" yaml:"serve"`
	Run      RunConfig      `mapstructure:"run" json:"run" yaml:"run"`
	Server   ServerConfig   `mapstructure:"server" json:"server" yaml:"server"`
	Bus      BusConfig      `mapstructure:"bus" json:"bus" yaml:"bus"`
	Shutdown ShutdownConfig `mapstructure:"shutdown" json:"shutdown" yaml:"shutdown"`
	Log      LogConfig      `mapstructure:"log" json:"log" yaml:"log"`
}

type WatchConfig struct {
	Dir          string        `mapstructure:"dir" json:"dir" yaml:"dir"`
	Ops          []string      `mapstructure:"ops" json:"ops" yaml:"ops"`
	Backend      string        `mapstructure:"backend" json:"backend" yaml:"backend"`
	Ignore       []string      `mapstructure:"ignore" json:"ignore" yaml:"ignore"`
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval" yaml:"poll_interval"`
}

type ServeConfig struct {
	Dir string `mapstructure:"dir" json:"dir" yaml:"dir"`
}

type RunConfig struct {
	Command string `mapstructure:"command" json:"command" yaml:"command"`
	Dir     string `mapstructure:"dir" json:"dir" yaml:"dir"`
	Output  string `mapstructure:"output" json:"output" yaml:"output"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host" json:"host" yaml:"host"`
	Port           int           `mapstructure:"port" json:"port" yaml:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`
	InjectReload   bool          `mapstructure:"inject_reload" json:"inject_reload" yaml:"inject_reload"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" json:"idle_timeout" yaml:"idle_timeout"`
}

type BusConfig struct {
	Capacity int `mapstructure:"capacity" json:"capacity" yaml:"capacity"`
}

type ShutdownConfig struct {
	QuitKey         string        `mapstructure:"quit_key" json:"quit_key" yaml:"quit_key"`
	NoKeys          bool          `mapstructure:"no_keys" json:"no_keys" yaml:"no_keys"`
	SentinelTimeout time.Duration `mapstructure:"sentinel_timeout" json:"sentinel_timeout" yaml:"sentinel_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`
	Format string `mapstructure:"format" json:"format" yaml:"format"`
	Dir    string `mapstructure:"dir" json:"dir" yaml:"dir"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("watch.dir", ".")
	v.SetDefault("watch.ops", []string{"write", "rename"})
	v.SetDefault("watch.backend", string(watcher.BackendAuto))
	v.SetDefault("watch.ignore", []string{".git", "node_modules"})
	v.SetDefault("watch.poll_interval", watcher.DefaultPollInterval)

	v.SetDefault("serve.dir", ".")

	v.SetDefault("run.command", "")
	v.SetDefault("run.dir", "")
	v.SetDefault("run.output", runner.OutputLog)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.inject_reload", true)
	v.SetDefault("server.idle_timeout", 30*time.Second)

	v.SetDefault("bus.capacity", 64)

	v.SetDefault("shutdown.quit_key", "q")
	v.SetDefault("shutdown.no_keys", false)
	v.SetDefault("shutdown.sentinel_timeout", 500*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.dir", "")
}

// Load reads the configuration from the global Viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom decodes and validates the configuration held by v. Defaults are
// registered first, so keys that were never set still get a value.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, hwerrors.WrapConfig(err, hwerrors.ErrCodeConfigInvalid, "failed to decode configuration")
	}

	// slices from env vars and flags arrive as one comma separated string
	cfg.Watch.Ops = splitList(cfg.Watch.Ops)
	cfg.Watch.Ignore = splitList(cfg.Watch.Ignore)
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field and reports all problems at once.
func Validate(cfg *Config) error {
	var errs hwerrors.ValidationErrorCollection

	validateWatch(&cfg.Watch, &errs)
	validateServe(&cfg.Serve, &errs)
	validateRun(&cfg.Run, &errs)
	validateServer(&cfg.Server, &errs)

	if cfg.Bus.Capacity < 1 {
		errs.AddField("bus.capacity", cfg.Bus.Capacity, "capacity must be at least 1",
			"The default of 64 suits most projects")
	}

	if len(cfg.Shutdown.QuitKey) > 1 {
		errs.AddField("shutdown.quit_key", cfg.Shutdown.QuitKey, "quit key must be a single character")
	}
	if cfg.Shutdown.SentinelTimeout <= 0 {
		errs.AddField("shutdown.sentinel_timeout", cfg.Shutdown.SentinelTimeout, "timeout must be positive",
			"Use a duration such as 500ms")
	}

	validateLog(&cfg.Log, &errs)

	if herr := errs.ToHotwatchError(); herr != nil {
		return herr
	}
	return nil
}

func validateWatch(w *WatchConfig, errs *hwerrors.ValidationErrorCollection) {
	if err := validation.ValidatePath(w.Dir); err != nil {
		errs.AddField("watch.dir", w.Dir, err.Error(), "Pass -watch <dir>")
	}
	if _, err := watcher.ParseOps(w.Ops); err != nil {
		errs.AddField("watch.ops", w.Ops, err.Error(),
			"Available ops: create, write, remove, rename")
	}
	switch watcher.Backend(w.Backend) {
	case watcher.BackendAuto, watcher.BackendInotify, watcher.BackendFsnotify:
	default:
		errs.AddField("watch.backend", w.Backend, "unknown watch backend",
			"Use auto, inotify or fsnotify")
	}
	for _, pattern := range w.Ignore {
		if _, err := filepath.Match(pattern, ""); err != nil {
			errs.AddField("watch.ignore", pattern, "malformed glob pattern")
		}
	}
	if w.PollInterval <= 0 {
		errs.AddField("watch.poll_interval", w.PollInterval, "poll interval must be positive")
	}
}

func validateServe(s *ServeConfig, errs *hwerrors.ValidationErrorCollection) {
	if err := validation.ValidatePath(s.Dir); err != nil {
		errs.AddField("serve.dir", s.Dir, err.Error(), "Pass -serve <dir>")
	}
}

func validateRun(r *RunConfig, errs *hwerrors.ValidationErrorCollection) {
	switch r.Output {
	case runner.OutputLog, runner.OutputInherit, runner.OutputDiscard:
	default:
		errs.AddField("run.output", r.Output, "unknown output mode",
			"Use log, inherit or discard")
	}
	if r.Dir != "" {
		if err := validation.ValidatePath(r.Dir); err != nil {
			errs.AddField("run.dir", r.Dir, err.Error())
		}
	}
}

func validateServer(s *ServerConfig, errs *hwerrors.ValidationErrorCollection) {
	// port 0 asks the system for a free port
	if s.Port < 0 || s.Port > 65535 {
		errs.AddField("server.port", s.Port, fmt.Sprintf("port %d is not in valid range 0-65535", s.Port),
			"Common development ports: 3000, 8080, 8000",
			"Port 0 lets the system pick a free port")
	}

	if s.IdleTimeout <= 0 {
		errs.AddField("server.idle_timeout", s.IdleTimeout, "idle timeout must be positive",
			"Use a duration such as 30s")
	}

	if err := validation.ValidateHost(s.Host); err != nil {
		errs.AddField("server.host", s.Host, err.Error(),
			"Use 'localhost' for local development",
			"Use '0.0.0.0' to bind to all interfaces")
	}

	for _, origin := range s.AllowedOrigins {
		if err := validation.ValidateOrigin(origin); err != nil {
			errs.AddField("server.allowed_origins", origin, err.Error(),
				"Use a host such as localhost:3000 or an http(s) URL")
		}
	}
}

func validateLog(l *LogConfig, errs *hwerrors.ValidationErrorCollection) {
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs.AddField("log.level", l.Level, err.Error(), "Use debug, info, warn or error")
	}
	switch l.Format {
	case "text", "json":
	default:
		errs.AddField("log.format", l.Format, "unknown log format", "Use text or json")
	}
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Key returns the configured quit key byte.
func (s ShutdownConfig) Key() byte {
	if s.QuitKey == "" {
		return 'q'
	}
	return s.QuitKey[0]
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// WatchOps returns the parsed watch mask. Call after Validate.
func (w WatchConfig) WatchOps() watcher.Op {
	ops, err := watcher.ParseOps(w.Ops)
	if err != nil {
		return watcher.DefaultOps
	}
	return ops
}

// LoggerConfig converts the log section for logging.NewLogger.
func (l LogConfig) LoggerConfig() *logging.LoggerConfig {
	lc := logging.DefaultConfig()
	if level, err := logging.ParseLevel(l.Level); err == nil {
		lc.Level = level
	}
	lc.Format = l.Format
	return lc
}

// EnvKeyReplacer maps config keys to environment names: server.port becomes
// HOTWATCH_SERVER_PORT.
func EnvKeyReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
