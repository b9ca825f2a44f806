// Package config loads chatsession settings from a YAML config file,
// CHATSESSION_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatsession/pkg/realtime"
	"github.com/go-go-golems/chatsession/pkg/redisbus"
)

const (
	AppName   = "chatsession"
	EnvPrefix = "CHATSESSION"

	TransportStomp  = "stomp"
	TransportRedis  = "redis"
	TransportMemory = "memory"
)

type Settings struct {
	APIBaseURL       string        `mapstructure:"api-base-url"`
	WSURL            string        `mapstructure:"ws-url"`
	Transport        string        `mapstructure:"transport"`
	Token            string        `mapstructure:"token"`
	TokenFile        string        `mapstructure:"token-file"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect-delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`
	RequestTimeout   time.Duration `mapstructure:"request-timeout"`
	HeartBeat        time.Duration `mapstructure:"heartbeat"`
	LogLevel         string        `mapstructure:"log-level"`
	LogFile          string        `mapstructure:"log-file"`

	Redis redisbus.Settings `mapstructure:"redis"`
}

// Dir is the per-user config directory, ~/.config/chatsession on Linux.
func Dir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, AppName)
}

func setDefaults(v *viper.Viper) {
	r := redisbus.DefaultSettings()
	v.SetDefault("api-base-url", "http://localhost:8080/api")
	v.SetDefault("ws-url", "ws://localhost:8080/ws")
	v.SetDefault("transport", TransportStomp)
	v.SetDefault("token", "")
	v.SetDefault("token-file", filepath.Join(Dir(), "token.yaml"))
	v.SetDefault("reconnect-delay", realtime.DefaultReconnectDelay)
	v.SetDefault("handshake-timeout", realtime.DefaultHandshakeTimeout)
	v.SetDefault("request-timeout", 30*time.Second)
	v.SetDefault("heartbeat", 4*time.Second)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-file", filepath.Join(Dir(), "chatsession.log"))
	v.SetDefault("redis.addr", r.Addr)
	v.SetDefault("redis.group", r.Group)
	v.SetDefault("redis.consumer", r.Consumer)
}

// AddFlags registers the persistent flags every subcommand shares.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default "+filepath.Join(Dir(), "config.yaml")+")")
	fs.String("api-base-url", "", "chat server REST base URL")
	fs.String("ws-url", "", "chat server websocket URL")
	fs.String("transport", "", "realtime transport: stomp, redis or memory")
	fs.String("token", "", "bearer token (overrides the token file)")
	fs.String("token-file", "", "file the token is stored in")
	fs.Duration("reconnect-delay", 0, "delay between reconnect attempts")
	fs.Duration("handshake-timeout", 0, "timeout for one connection handshake")
	fs.Duration("request-timeout", 0, "timeout for REST requests")
	fs.Duration("heartbeat", 0, "STOMP heart-beat interval (0 uses the default)")
	fs.String("log-level", "", "log level (trace, debug, info, warn, error)")
	fs.String("log-file", "", "log file used while the terminal UI is active")
	fs.String("redis-addr", "", "redis address for the redis transport")
}

// Load resolves settings. fs may be nil; only flags the user actually set
// override the file and environment.
func Load(fs *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if bindErr != nil || f.Name == "config" {
				return
			}
			key := f.Name
			if key == "redis-addr" {
				key = "redis.addr"
			}
			if f.Changed {
				bindErr = v.BindPFlag(key, f)
			}
		})
		if bindErr != nil {
			return nil, errors.Wrap(bindErr, "bind flags")
		}
	}

	configFile := ""
	if fs != nil {
		configFile, _ = fs.GetString("config")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
	s.Redis.Enabled = s.Transport == TransportRedis
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	switch s.Transport {
	case TransportStomp:
		if strings.TrimSpace(s.WSURL) == "" {
			return errors.New("ws-url is required for the stomp transport")
		}
	case TransportRedis, TransportMemory:
	default:
		return errors.Errorf("unknown transport %q", s.Transport)
	}
	if strings.TrimSpace(s.APIBaseURL) == "" {
		return errors.New("api-base-url is required")
	}
	if s.ReconnectDelay < 0 || s.HandshakeTimeout < 0 || s.RequestTimeout < 0 || s.HeartBeat < 0 {
		return errors.New("durations must not be negative")
	}
	if _, err := zerolog.ParseLevel(s.LogLevel); err != nil {
		return errors.Wrapf(err, "log-level %q", s.LogLevel)
	}
	return s.Redis.Validate()
}
