// Package config binds hubd's settings from environment and an optional
// hub.yml, grounded on the teacher's internal/config/config.go viper usage.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration of a hub server (spec §9).
type Config struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	DBDSN       string `mapstructure:"db_dsn"`
	UpstreamURL string `mapstructure:"upstream_url"`
	LogLevel    string `mapstructure:"log_level"`
	JWTSecret   string `mapstructure:"jwt_secret"`

	// RoomIdleTimeoutSeconds is loaded from configuration but nothing reads
	// it: internal/room removes a Room as soon as it has no connections and
	// no in-flight stream, with no idle delay.
	RoomIdleTimeoutSeconds int `mapstructure:"room_idle_timeout_seconds"`

	// OutboundQueueSize is the per-connection backpressure high-water mark
	// (spec §5 "slow consumer" policy).
	OutboundQueueSize int `mapstructure:"outbound_queue_size"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_dsn", "sqlite:outer.db")
	v.SetDefault("upstream_url", "http://127.0.0.1:4096")
	v.SetDefault("log_level", "info")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("room_idle_timeout_seconds", 300)
	v.SetDefault("outbound_queue_size", 256)
}

// Load resolves configuration from (in ascending priority) hub.yml in the
// working directory, then HUB_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetConfigName("hub")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read hub.yml: %w", err)
		}
	}

	v.SetEnvPrefix("hub")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"listen_addr", "db_dsn", "upstream_url", "log_level", "jwt_secret", "room_idle_timeout_seconds", "outbound_queue_size"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
