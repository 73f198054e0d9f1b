// Package config loads enginepool settings from defaults, a YAML file, the environment and flags
package config

import (
	"enginepool/pkg/archive"
	"enginepool/pkg/oneshot"
	"enginepool/pkg/pool"
	"enginepool/pkg/sysexec"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
	"io/ioutil"
	"reflect"
	"strconv"
	"strings"
	"time"
)

const (
	ModePool    = "pool"
	ModeOneshot = "oneshot"
)

type Config struct {
	// Mode selects the scheduler: "pool" keeps engines alive, "oneshot"
	// starts one per job.
	Mode    string        `yaml:"mode" env:"ENGINEPOOL_MODE"`
	Pool    PoolConfig    `yaml:"pool"`
	Oneshot OneshotConfig `yaml:"oneshot"`
	SSH     SSHConfig     `yaml:"ssh"`
	Archive ArchiveConfig `yaml:"archive"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type PoolConfig struct {
	Name            string        `yaml:"name" env:"ENGINEPOOL_POOL_NAME"`
	Size            int           `yaml:"size" env:"ENGINEPOOL_POOL_SIZE"`
	Command         []string      `yaml:"command" env:"ENGINEPOOL_POOL_COMMAND"`
	Bootstrap       string        `yaml:"bootstrap"`
	Env             []string      `yaml:"env" env:"ENGINEPOOL_POOL_ENV"`
	LogPath         string        `yaml:"log_path" env:"ENGINEPOOL_POOL_LOG_PATH"`
	WorkRoot        string        `yaml:"work_root" env:"ENGINEPOOL_WORK_ROOT"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"ENGINEPOOL_POLL_INTERVAL"`
	SettleDelay     time.Duration `yaml:"settle_delay" env:"ENGINEPOOL_SETTLE_DELAY"`
	CrashTolerance  int           `yaml:"crash_tolerance" env:"ENGINEPOOL_CRASH_TOLERANCE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"ENGINEPOOL_SHUTDOWN_TIMEOUT"`
	JobTimeout      time.Duration `yaml:"job_timeout" env:"ENGINEPOOL_JOB_TIMEOUT"`
	Watch           bool          `yaml:"watch" env:"ENGINEPOOL_WATCH"`
	Quiet           bool          `yaml:"quiet" env:"ENGINEPOOL_QUIET"`
}

type OneshotConfig struct {
	Name     string   `yaml:"name" env:"ENGINEPOOL_ONESHOT_NAME"`
	Command  []string `yaml:"command" env:"ENGINEPOOL_ONESHOT_COMMAND"`
	Env      []string `yaml:"env" env:"ENGINEPOOL_ONESHOT_ENV"`
	LogPath  string   `yaml:"log_path" env:"ENGINEPOOL_ONESHOT_LOG_PATH"`
	WorkRoot string   `yaml:"work_root" env:"ENGINEPOOL_ONESHOT_WORK_ROOT"`
	Quiet    bool     `yaml:"quiet" env:"ENGINEPOOL_ONESHOT_QUIET"`
}

// SSHConfig selects remote execution when Addr is set.
type SSHConfig struct {
	Addr          string        `yaml:"addr" env:"ENGINEPOOL_SSH_ADDR"`
	User          string        `yaml:"user" env:"ENGINEPOOL_SSH_USER"`
	Password      string        `yaml:"password" env:"ENGINEPOOL_SSH_PASSWORD"`
	KeyPath       string        `yaml:"key_path" env:"ENGINEPOOL_SSH_KEY"`
	KnownHosts    string        `yaml:"known_hosts" env:"ENGINEPOOL_SSH_KNOWN_HOSTS"`
	RemoteDir     string        `yaml:"remote_dir" env:"ENGINEPOOL_SSH_REMOTE_DIR"`
	LocalDir      string        `yaml:"local_dir" env:"ENGINEPOOL_SSH_LOCAL_DIR"`
	BeforeCommand string        `yaml:"before_command" env:"ENGINEPOOL_SSH_BEFORE_COMMAND"`
	DialTimeout   time.Duration `yaml:"dial_timeout" env:"ENGINEPOOL_SSH_DIAL_TIMEOUT"`
}

// ArchiveConfig enables log upload when Bucket is set.
type ArchiveConfig struct {
	Bucket          string `yaml:"bucket" env:"ENGINEPOOL_ARCHIVE_BUCKET"`
	Prefix          string `yaml:"prefix" env:"ENGINEPOOL_ARCHIVE_PREFIX"`
	CredentialsFile string `yaml:"credentials_file" env:"ENGINEPOOL_ARCHIVE_CREDENTIALS"`
}

// HealthConfig enables the gRPC health server when Address is set.
type HealthConfig struct {
	Address         string        `yaml:"address" env:"ENGINEPOOL_HEALTH_ADDRESS"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"ENGINEPOOL_HEALTH_REFRESH"`
}

type LoggingConfig struct {
	Level       string `yaml:"level" env:"ENGINEPOOL_LOG_LEVEL"`
	Development bool   `yaml:"development" env:"ENGINEPOOL_LOG_DEVELOPMENT"`
	Quiet       bool   `yaml:"quiet" env:"ENGINEPOOL_LOG_QUIET"`
}

func Default() *Config {
	defaults := pool.DefaultConfig()
	return &Config{
		Mode: ModePool,
		Pool: PoolConfig{
			Size:            defaults.Size,
			LogPath:         defaults.LogPath,
			WorkRoot:        defaults.WorkRoot,
			PollInterval:    defaults.PollInterval,
			CrashTolerance:  defaults.CrashTolerance,
			ShutdownTimeout: defaults.ShutdownTimeout,
			Watch:           defaults.Watch,
		},
		Oneshot: OneshotConfig{
			WorkRoot: oneshot.DefaultWorkRoot,
		},
		SSH: SSHConfig{
			DialTimeout: 30 * time.Second,
		},
		Health: HealthConfig{
			RefreshInterval: time.Second,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Development: true,
		},
	}
}

// Loader merges configuration sources with precedence
// defaults < YAML file < environment < overrides.
type Loader struct {
	path      string
	overrides map[string]string
	getenv    func(string) string
}

func NewLoader(getenv func(string) string) *Loader {
	return &Loader{
		overrides: make(map[string]string),
		getenv:    getenv,
	}
}

func (l *Loader) WithFile(path string) *Loader {
	l.path = path
	return l
}

// Set overrides a value by dotted yaml path, eg "pool.size".
func (l *Loader) Set(key, value string) *Loader {
	l.overrides[key] = value
	return l
}

func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		data, err := ioutil.ReadFile(l.path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse %v", l.path)
		}
	}

	if l.getenv != nil {
		if err := applyEnv(reflect.ValueOf(cfg).Elem(), l.getenv); err != nil {
			return nil, err
		}
	}

	for key, value := range l.overrides {
		if err := setPath(cfg, key, value); err != nil {
			return nil, errors.Wrapf(err, "override %v", key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(v reflect.Value, getenv func(string) string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, getenv); err != nil {
				return err
			}
			continue
		}

		key := t.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}
		value := getenv(key)
		if value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return errors.Wrapf(err, "env %v", key)
		}
	}
	return nil
}

// setPath sets the field named by a dotted yaml path.
func setPath(cfg *Config, path, value string) error {
	v := reflect.ValueOf(cfg).Elem()
	parts := strings.Split(path, ".")
	for i, part := range parts {
		field, ok := fieldByYAML(v, part)
		if !ok {
			return errors.Errorf("unknown config key %q", path)
		}
		if i == len(parts)-1 {
			return setField(field, value)
		}
		if field.Kind() != reflect.Struct {
			return errors.Errorf("%q is not a section", part)
		}
		v = field
	}
	return nil
}

func fieldByYAML(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setField parses value into field. Lists are whitespace separated.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int64:
		if field.Type() != reflect.TypeOf(time.Duration(0)) {
			return errors.Errorf("unsupported type %v", field.Type())
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(n))
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return errors.Errorf("unsupported type %v", field.Type())
		}
		field.Set(reflect.ValueOf(strings.Fields(value)))
	default:
		return errors.Errorf("unsupported type %v", field.Type())
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModePool:
		return c.PoolConfig().Validate()
	case ModeOneshot:
		return c.OneshotConfig().Validate()
	}
	return errors.Errorf("unknown mode %q", c.Mode)
}

func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		Name:            c.Pool.Name,
		Size:            c.Pool.Size,
		Command:         c.Pool.Command,
		Bootstrap:       c.Pool.Bootstrap,
		Env:             c.Pool.Env,
		LogPath:         c.Pool.LogPath,
		WorkRoot:        c.Pool.WorkRoot,
		PollInterval:    c.Pool.PollInterval,
		SettleDelay:     c.Pool.SettleDelay,
		CrashTolerance:  c.Pool.CrashTolerance,
		ShutdownTimeout: c.Pool.ShutdownTimeout,
		JobTimeout:      c.Pool.JobTimeout,
		Watch:           c.Pool.Watch,
		Quiet:           c.Pool.Quiet,
	}
}

func (c *Config) OneshotConfig() oneshot.Config {
	return oneshot.Config{
		Name:     c.Oneshot.Name,
		Command:  c.Oneshot.Command,
		Env:      c.Oneshot.Env,
		LogPath:  c.Oneshot.LogPath,
		WorkRoot: c.Oneshot.WorkRoot,
		Quiet:    c.Oneshot.Quiet,
	}
}

// Remote reports whether engines run over SSH.
func (c *Config) Remote() bool {
	return c.SSH.Addr != ""
}

func (c *Config) SSHConfig() sysexec.SSHConfig {
	return sysexec.SSHConfig{
		Addr:           c.SSH.Addr,
		User:           c.SSH.User,
		Password:       c.SSH.Password,
		KeyPath:        c.SSH.KeyPath,
		KnownHostsPath: c.SSH.KnownHosts,
		RemoteDir:      c.SSH.RemoteDir,
		LocalDir:       c.SSH.LocalDir,
		BeforeCommand:  c.SSH.BeforeCommand,
		DialTimeout:    c.SSH.DialTimeout,
	}
}

func (c *Config) ArchiveConfig() archive.GCSConfig {
	return archive.GCSConfig{
		Bucket:          c.Archive.Bucket,
		Prefix:          c.Archive.Prefix,
		CredentialsFile: c.Archive.CredentialsFile,
	}
}

// Logger builds the process logger.
func (c *Config) Logger() (*zap.Logger, error) {
	if c.Logging.Quiet {
		return zap.NewNop(), nil
	}

	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}

	zc := zap.NewProductionConfig()
	if c.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
