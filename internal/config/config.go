package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	LogLevel string `mapstructure:"log_level"`
	Secret   string `mapstructure:"secret"`

	APIPort       int    `mapstructure:"api_port"`
	PeerPort      int    `mapstructure:"peer_port"`
	AdvertiseHost string `mapstructure:"advertise_host"`
	Protocol      string `mapstructure:"protocol"`
	DataDir       string `mapstructure:"data_dir"`

	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	TCPPingTimeout  time.Duration `mapstructure:"tcp_ping_timeout"`
	AppPingTimeout  time.Duration `mapstructure:"app_ping_timeout"`
	AckTimeout      time.Duration `mapstructure:"ack_timeout"`
	SwitchPause     time.Duration `mapstructure:"switch_pause"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	SwitchRetention time.Duration `mapstructure:"switch_retention"`

	InboundQueueSize int    `mapstructure:"inbound_queue_size"`
	OverflowPolicy   string `mapstructure:"overflow_policy"`
	MaxFrameSize     uint32 `mapstructure:"max_frame_size"`

	HealthInterval   time.Duration `mapstructure:"health_interval"`
	OfflineThreshold time.Duration `mapstructure:"offline_threshold"`
	StaleConnTimeout time.Duration `mapstructure:"stale_conn_timeout"`
	PingMaxAge       time.Duration `mapstructure:"ping_max_age"`
	InviteMaxAge     time.Duration `mapstructure:"invite_max_age"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "shortgap-local-secret")
	v.SetDefault("api_port", 7070)
	v.SetDefault("peer_port", 8080)
	v.SetDefault("advertise_host", "")
	v.SetDefault("protocol", "TCP")
	v.SetDefault("data_dir", "")
	v.SetDefault("connect_timeout", "5s")
	v.SetDefault("tcp_ping_timeout", "5s")
	v.SetDefault("app_ping_timeout", "3s")
	v.SetDefault("ack_timeout", "10s")
	v.SetDefault("switch_pause", "1s")
	v.SetDefault("grace_period", "500ms")
	v.SetDefault("switch_retention", "1h")
	v.SetDefault("inbound_queue_size", 1024)
	v.SetDefault("overflow_policy", "block")
	v.SetDefault("max_frame_size", 16<<20)
	v.SetDefault("health_interval", "30s")
	v.SetDefault("offline_threshold", "5m")
	v.SetDefault("stale_conn_timeout", "10m")
	v.SetDefault("ping_max_age", "10m")
	v.SetDefault("invite_max_age", "24h")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. Any key can be
// overridden with a SHORTGAP_ prefixed environment variable.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("SHORTGAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("api_port", cfg.APIPort).
		Int("peer_port", cfg.PeerPort).Str("protocol", cfg.Protocol).Msg("config ready")
	return &cfg, nil
}
