package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/storagelink/internal/backend"
	"github.com/loykin/storagelink/internal/env"
	"github.com/loykin/storagelink/internal/logger"
	"github.com/loykin/storagelink/internal/registry"
	"github.com/loykin/storagelink/internal/tls"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. STORAGELINK_LINKER_PORT.
const EnvPrefix = "STORAGELINK"

// ErrInvalid is returned when a loaded configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the top-level TOML structure.
type Config struct {
	Linker   LinkerConfig   `toml:"linker" mapstructure:"linker"`
	Backend  BackendConfig  `toml:"backend" mapstructure:"backend"`
	Pipeline PipelineConfig `toml:"pipeline" mapstructure:"pipeline"`
	App      AppConfig      `toml:"app" mapstructure:"app"`
	Log      logger.Config  `toml:"log" mapstructure:"log"`
	Store    StoreConfig    `toml:"store" mapstructure:"store"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
}

// LinkerConfig is the link server identity and its HTTP listener.
type LinkerConfig struct {
	Host           string        `toml:"host" mapstructure:"host"`
	Port           int           `toml:"port" mapstructure:"port"`
	Listen         string        `toml:"listen" mapstructure:"listen"`
	BasePath       string        `toml:"base_path" mapstructure:"base_path"`
	CallbackURL    string        `toml:"callback_url" mapstructure:"callback_url"`
	CommandTimeout time.Duration `toml:"command_timeout" mapstructure:"command_timeout"`
	SessionTTL     time.Duration `toml:"session_ttl" mapstructure:"session_ttl"`
	TLS            tls.Config    `toml:"tls" mapstructure:"tls"`
}

// BackendConfig drives the database supervisor.
type BackendConfig struct {
	Host              string        `toml:"host" mapstructure:"host"`
	Port              int           `toml:"port" mapstructure:"port"`
	Executable        string        `toml:"executable" mapstructure:"executable"`
	Root              string        `toml:"root" mapstructure:"root"`
	ReadyPhrase       string        `toml:"ready_phrase" mapstructure:"ready_phrase"`
	ReadyTimeout      time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
	Probe             bool          `toml:"probe" mapstructure:"probe"`
	ConnectTimeout    time.Duration `toml:"connect_timeout" mapstructure:"connect_timeout"`
	// ReconcileInterval re-runs discovery over Root; 0 disables it.
	ReconcileInterval time.Duration `toml:"reconcile_interval" mapstructure:"reconcile_interval"`
	Fork              bool          `toml:"fork" mapstructure:"fork"`
	DirectoryPerDB    bool          `toml:"directory_per_db" mapstructure:"directory_per_db"`
	Journal           bool          `toml:"journal" mapstructure:"journal"`
	LogAppend         bool          `toml:"log_append" mapstructure:"log_append"`
	Env               []string      `toml:"env" mapstructure:"env"`
	EnvFiles          []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv          bool          `toml:"use_os_env" mapstructure:"use_os_env"`
}

// PipelineConfig bounds the command composer and storage polling.
type PipelineConfig struct {
	Window       time.Duration `toml:"window" mapstructure:"window"`
	PollInterval time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	PollMaxWait  time.Duration `toml:"poll_max_wait" mapstructure:"poll_max_wait"`
}

// AppConfig is the default cloud-sync application.
type AppConfig struct {
	Key      string   `toml:"key" mapstructure:"key"`
	Secret   string   `toml:"secret" mapstructure:"secret"`
	Scopes   []string `toml:"scopes" mapstructure:"scopes"`
	AuthURL  string   `toml:"auth_url" mapstructure:"auth_url"`
	TokenURL string   `toml:"token_url" mapstructure:"token_url"`
}

type StoreConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSNs    []string `toml:"dsns" mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled        bool          `toml:"enabled" mapstructure:"enabled"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("linker.host", "127.0.0.1")
	v.SetDefault("linker.port", 90)
	v.SetDefault("linker.listen", "127.0.0.1:90")
	v.SetDefault("linker.base_path", "")
	v.SetDefault("linker.callback_url", "")
	v.SetDefault("linker.command_timeout", "2m")
	v.SetDefault("linker.session_ttl", "24h")

	v.SetDefault("backend.host", "127.0.0.1")
	v.SetDefault("backend.port", 91)
	v.SetDefault("backend.executable", backend.DefaultExecutable)
	v.SetDefault("backend.root", backend.DefaultRoot)
	v.SetDefault("backend.ready_phrase", backend.DefaultReadyPhrase)
	v.SetDefault("backend.ready_timeout", backend.DefaultReadyTimeout.String())
	v.SetDefault("backend.probe", true)
	v.SetDefault("backend.connect_timeout", "5s")
	v.SetDefault("backend.reconcile_interval", "1m")
	v.SetDefault("backend.fork", true)
	v.SetDefault("backend.directory_per_db", true)
	v.SetDefault("backend.journal", true)
	v.SetDefault("backend.log_append", true)

	v.SetDefault("pipeline.window", "100ms")
	v.SetDefault("pipeline.poll_interval", registry.DefaultPoll.Interval.String())
	v.SetDefault("pipeline.poll_max_wait", registry.DefaultPoll.MaxWait.String())

	// registered so AutomaticEnv can see them
	v.SetDefault("app.key", "")
	v.SetDefault("app.secret", "")

	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.timestamps", true)

	v.SetDefault("store.dsn", "sqlite://storagelink.db")
	v.SetDefault("metrics.sample_interval", "15s")
}

// Default returns the configuration used when no file is given.
func Default() Config {
	c, err := load(viper.New())
	if err != nil {
		// defaults are static; a failure here is a programming error
		panic(err)
	}
	return *c
}

// Load reads the TOML file at path over the defaults. An empty path loads
// defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks addresses and bounds.
func (c Config) Validate() error {
	var errs []error
	if c.Linker.Host == "" || !validPort(c.Linker.Port) {
		errs = append(errs, fmt.Errorf("linker %q:%d", c.Linker.Host, c.Linker.Port))
	}
	if c.Backend.Host == "" || !validPort(c.Backend.Port) {
		errs = append(errs, fmt.Errorf("backend %q:%d", c.Backend.Host, c.Backend.Port))
	}
	if c.Linker.TLS.Enabled && c.Linker.TLS.Dir == "" && (c.Linker.TLS.CertFile == "" || c.Linker.TLS.KeyFile == "") {
		errs = append(errs, errors.New("linker tls enabled without cert_file/key_file or dir"))
	}
	if c.Backend.Root == "" {
		errs = append(errs, errors.New("backend root is empty"))
	}
	if c.Pipeline.Window < 0 || c.Pipeline.PollInterval < 0 || c.Pipeline.PollMaxWait < 0 {
		errs = append(errs, errors.New("pipeline durations must not be negative"))
	}
	if c.Store.Enabled && c.Store.DSN == "" {
		errs = append(errs, errors.New("store enabled without dsn"))
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		errs = append(errs, errors.New("history enabled without dsns"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

// Flags returns the backend invocation flags.
func (b BackendConfig) Flags() backend.Flags {
	return backend.Flags{
		Fork:           b.Fork,
		DirectoryPerDB: b.DirectoryPerDB,
		Journal:        b.Journal,
		LogAppend:      b.LogAppend,
	}
}

// Environment composes the backend process environment, or nil when none
// of env, env_files or use_os_env is set.
func (b BackendConfig) Environment() *env.Env {
	e := env.New()
	if b.UseOSEnv {
		e.FromOS()
	}
	e.WithFiles(b.EnvFiles...).SetPairs(b.Env)
	if e.Empty() {
		return nil
	}
	return e
}

// Poll returns the storage poll bounds.
func (p PipelineConfig) Poll() registry.Poll {
	return registry.Poll{Interval: p.PollInterval, MaxWait: p.PollMaxWait}
}
