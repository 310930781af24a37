// Package config loads mqkit settings with viper.
//
// Values come from a config file (or bytes), overridden by MQKIT_ prefixed
// environment variables, e.g. MQKIT_MQ_URL for mq.url. A loaded file is
// watched; OnChange hooks receive the new Settings after every reload.
package config

import (
	"bytes"
	"errors"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/glimte/mqkit/messaging"
	"github.com/spf13/viper"
)

// Keys
const (
	KeyEnv                  = "env"
	KeyURL                  = "mq.url"
	KeyConnectionName       = "mq.connection_name"
	KeyHeartbeat            = "mq.heartbeat"
	KeyRPCTimeout           = "mq.rpc_timeout"
	KeyReconnectDelay       = "mq.reconnect_delay"
	KeyReconnectMaxDelay    = "mq.reconnect_max_delay"
	KeyExponentialReconnect = "mq.exponential_reconnect"
	KeyRequeueDelay         = "mq.requeue_delay"
	KeyPublishConcurrency   = "mq.publish_concurrency"
	KeyCertsDir             = "mq.certs_dir"
	KeyPrefetch             = "mq.prefetch"
	KeyLogLevel             = "log.level"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MQKIT"

// Settings is a typed snapshot of the configuration
type Settings struct {
	Env                  string
	URL                  string
	ConnectionName       string
	Heartbeat            time.Duration
	RPCTimeout           time.Duration
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	ExponentialReconnect bool
	RequeueDelay         time.Duration
	PublishConcurrency   int
	CertsDir             string
	Prefetch             int
	LogLevel             string
}

// Validate reports settings that cannot produce a working connection
func (s Settings) Validate() error {
	if s.URL == "" {
		return &messaging.ConfigurationError{Component: "config", Field: KeyURL, Reason: "is required"}
	}
	if s.PublishConcurrency < 1 {
		return &messaging.ConfigurationError{Component: "config", Field: KeyPublishConcurrency, Reason: "must be at least 1"}
	}
	if s.Prefetch < 1 {
		return &messaging.ConfigurationError{Component: "config", Field: KeyPrefetch, Reason: "must be at least 1"}
	}
	if s.RequeueDelay <= 0 {
		return &messaging.ConfigurationError{Component: "config", Field: KeyRequeueDelay, Reason: "must be positive"}
	}
	if s.ReconnectDelay <= 0 {
		return &messaging.ConfigurationError{Component: "config", Field: KeyReconnectDelay, Reason: "must be positive"}
	}
	if s.ExponentialReconnect && s.ReconnectMaxDelay < s.ReconnectDelay {
		return &messaging.ConfigurationError{Component: "config", Field: KeyReconnectMaxDelay, Reason: "must not be below " + KeyReconnectDelay}
	}
	if _, err := s.Level(); err != nil {
		return &messaging.ConfigurationError{Component: "config", Field: KeyLogLevel, Reason: err.Error()}
	}
	return nil
}

// Level parses LogLevel ("debug", "info", "warn", "error"); empty is info
func (s Settings) Level() (slog.Level, error) {
	var level slog.Level
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

// ReconnectPolicy returns the reconnect backoff the settings describe
func (s Settings) ReconnectPolicy() messaging.RetryPolicy {
	if s.ExponentialReconnect {
		return messaging.ExponentialBackoff(s.ReconnectDelay, s.ReconnectMaxDelay)
	}
	return messaging.FixedBackoff(s.ReconnectDelay)
}

// Config is backed by a viper instance. A reload replaces the instance, so
// readers never see a half-read file.
type Config struct {
	mu        sync.Mutex
	v         *viper.Viper
	overrides map[string]any
	hooks     []func(Settings)
}

// New returns a Config holding defaults and environment overrides only
func New() *Config {
	return newConfig(newViper())
}

func newConfig(v *viper.Viper) *Config {
	return &Config{v: v, overrides: make(map[string]any)}
}

// Load reads the config file at pathFile and watches it for changes. The
// file type is inferred from the extension.
func Load(pathFile string) (*Config, error) {
	v, err := readFile(pathFile)
	if err != nil {
		return nil, err
	}
	c := newConfig(v)

	// viper re-reads the watched instance itself, so the watcher is never
	// the instance Settings reads from.
	watcher, err := readFile(pathFile)
	if err != nil {
		return nil, err
	}
	watcher.OnConfigChange(func(_ fsnotify.Event) {
		c.reload(pathFile)
	})
	watcher.WatchConfig()

	return c, nil
}

func readFile(pathFile string) (*viper.Viper, error) {
	v := newViper()

	filename := path.Base(pathFile)
	v.AddConfigPath(path.Dir(pathFile))
	v.SetConfigName(strings.TrimSuffix(filename, path.Ext(filename)))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v, nil
}

// reload swaps in a fresh read of pathFile, keeps Set overrides and runs the
// OnChange hooks. A file that fails to parse leaves the current values.
func (c *Config) reload(pathFile string) {
	v, err := readFile(pathFile)
	if err != nil {
		slog.Error("config reload failed", "path", pathFile, "error", err)
		return
	}

	c.mu.Lock()
	for key, value := range c.overrides {
		v.Set(key, value)
	}
	c.v = v
	hooks := append([]func(Settings){}, c.hooks...)
	settings := c.settingsLocked()
	c.mu.Unlock()

	slog.Info("config reloaded", "path", pathFile)
	for _, hook := range hooks {
		hook(settings)
	}
}

// LoadFromBytes reads configuration from memory. configType is a format
// viper supports, e.g. "yaml", "json" or "toml".
func LoadFromBytes(configType string, data []byte) (*Config, error) {
	if strings.TrimSpace(configType) == "" {
		return nil, errors.New("config type is required")
	}

	v := newViper()
	v.SetConfigType(configType)

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	return newConfig(v), nil
}

// Set overrides key, e.g. from a command line flag. Overrides survive reloads.
func (c *Config) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[key] = value
	c.v.Set(key, value)
}

// OnChange registers fn to run with the new Settings after each reload of a
// watched file. Components built earlier keep the values they were given.
func (c *Config) OnChange(fn func(Settings)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Settings returns the current values
func (c *Config) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settingsLocked()
}

func (c *Config) settingsLocked() Settings {
	return Settings{
		Env:                  c.v.GetString(KeyEnv),
		URL:                  c.v.GetString(KeyURL),
		ConnectionName:       c.v.GetString(KeyConnectionName),
		Heartbeat:            c.v.GetDuration(KeyHeartbeat),
		RPCTimeout:           c.v.GetDuration(KeyRPCTimeout),
		ReconnectDelay:       c.v.GetDuration(KeyReconnectDelay),
		ReconnectMaxDelay:    c.v.GetDuration(KeyReconnectMaxDelay),
		ExponentialReconnect: c.v.GetBool(KeyExponentialReconnect),
		RequeueDelay:         c.v.GetDuration(KeyRequeueDelay),
		PublishConcurrency:   c.v.GetInt(KeyPublishConcurrency),
		CertsDir:             c.v.GetString(KeyCertsDir),
		Prefetch:             c.v.GetInt(KeyPrefetch),
		LogLevel:             c.v.GetString(KeyLogLevel),
	}
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault(KeyEnv, "development")
	v.SetDefault(KeyURL, "")
	v.SetDefault(KeyConnectionName, "")
	v.SetDefault(KeyHeartbeat, 10*time.Second)
	v.SetDefault(KeyRPCTimeout, messaging.DefaultRPCTimeout)
	v.SetDefault(KeyReconnectDelay, messaging.DefaultReconnectDelay)
	v.SetDefault(KeyReconnectMaxDelay, time.Minute)
	v.SetDefault(KeyExponentialReconnect, false)
	v.SetDefault(KeyRequeueDelay, messaging.DefaultRequeueDelay)
	v.SetDefault(KeyPublishConcurrency, messaging.DefaultPublishConcurrency)
	v.SetDefault(KeyCertsDir, "mq-certs")
	v.SetDefault(KeyPrefetch, 1)
	v.SetDefault(KeyLogLevel, "info")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}
