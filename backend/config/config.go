package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "LIVEROOM"

const (
	keyConfigFile     = "config"
	keyAPIListenAddr  = "api-listen-addr"
	keyWSListenAddr   = "ws-listen-addr"
	keyLogLevel       = "log-level"
	keyJWTSecret      = "jwt-secret"
	keyLiveSessionTTL = "live-session-ttl"
	keyQueueSize      = "queue-size"
	keyMaxMessageSize = "max-message-size"
	keyPingInterval   = "ping-interval"
	keyPongWait       = "pong-wait"
	keyAckJoins       = "join-ack"
)

var (
	ErrInvalid = errors.New("invalid configuration")
)

type Config struct {
	APIListenAddr  string
	WSListenAddr   string
	LogLevel       zerolog.Level
	JWTSecret      string
	LiveSessionTTL time.Duration
	QueueSize      int
	MaxMessageSize int64
	PingInterval   time.Duration
	PongWait       time.Duration
	AckJoins       bool
}

// RegisterFlags defines server flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.StringP(keyConfigFile, "c", "", "config file (yaml, toml or json)")
	flags.StringP(keyAPIListenAddr, "a", ":8080", "api listen address")
	flags.StringP(keyWSListenAddr, "w", ":8888", "websocket listen address")
	flags.StringP(keyLogLevel, "l", "debug", "log level")
	flags.String(keyJWTSecret, "", "HS256 secret for api authentication, empty disables auth")
	flags.Duration(keyLiveSessionTTL, 6*time.Hour, "live session expiration, 0 means never")
	flags.Int(keyQueueSize, 256, "per-connection outbound queue size")
	flags.Int64(keyMaxMessageSize, 64*1024, "max inbound websocket message size")
	flags.Duration(keyPingInterval, 5*time.Second, "websocket ping interval")
	flags.Duration(keyPongWait, 7*time.Second, "how long to wait for pong, must exceed ping interval")
	flags.Bool(keyAckJoins, false, "reply to join-chapter with join-ack or join-error")
}

// LoadDotEnv populates environment from .env files if they exist.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cannot load env file: %w", err)
	}
	return nil
}

// Load resolves configuration with precedence flag > env > config file > default.
// Environment variables use LIVEROOM_ prefix, e.g. LIVEROOM_WS_LISTEN_ADDR.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}

	if cfgFile := v.GetString(keyConfigFile); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Join(ErrInvalid, err)
		}
	}

	lvl, err := zerolog.ParseLevel(v.GetString(keyLogLevel))
	if err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	cfg := &Config{
		APIListenAddr:  v.GetString(keyAPIListenAddr),
		WSListenAddr:   v.GetString(keyWSListenAddr),
		LogLevel:       lvl,
		JWTSecret:      v.GetString(keyJWTSecret),
		LiveSessionTTL: v.GetDuration(keyLiveSessionTTL),
		QueueSize:      v.GetInt(keyQueueSize),
		MaxMessageSize: v.GetInt64(keyMaxMessageSize),
		PingInterval:   v.GetDuration(keyPingInterval),
		PongWait:       v.GetDuration(keyPongWait),
		AckJoins:       v.GetBool(keyAckJoins),
	}
	if err = cfg.validate(); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	switch {
	case cfg.WSListenAddr == "":
		return errors.New("websocket listen address is empty")
	case cfg.APIListenAddr == "":
		return errors.New("api listen address is empty")
	case cfg.QueueSize <= 0:
		return errors.New("queue size must be positive")
	case cfg.MaxMessageSize <= 0:
		return errors.New("max message size must be positive")
	case cfg.PingInterval <= 0:
		return errors.New("ping interval must be positive")
	case cfg.PongWait <= cfg.PingInterval:
		return errors.New("pong wait must exceed ping interval")
	}
	return nil
}
