package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/meetmesh/internal/adapters/rtc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type WebRTC struct {
	ICEServers      []string `mapstructure:"ice_servers"`
	IncludeLoopback bool     `mapstructure:"include_loopback"`
	UDPPortMin      uint16   `mapstructure:"udp_port_min"`
	UDPPortMax      uint16   `mapstructure:"udp_port_max"`
}

type Peer struct {
	SignalURL      string        `mapstructure:"signal_url"`
	Meeting        string        `mapstructure:"meeting"`
	Participant    string        `mapstructure:"participant"`
	AudioFile      string        `mapstructure:"audio_file"`
	VideoFile      string        `mapstructure:"video_file"`
	RecordDir      string        `mapstructure:"record_dir"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	Secret       string        `mapstructure:"secret"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	LogLevel     string        `mapstructure:"log_level"`
	WebRTC       WebRTC        `mapstructure:"webrtc"`
	Peer         Peer          `mapstructure:"peer"`
}

// New returns a viper instance with every default set and environment
// overrides (MEETMESH_PORT, MEETMESH_PEER_SIGNAL_URL, ...) enabled.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("meetmesh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "meetmesh-dev-secret")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("rate_limit", 50)
	v.SetDefault("rate_interval", "1s")
	v.SetDefault("log_level", "info")

	v.SetDefault("webrtc.ice_servers", rtc.DefaultICEServers)
	v.SetDefault("webrtc.include_loopback", false)
	v.SetDefault("webrtc.udp_port_min", 0)
	v.SetDefault("webrtc.udp_port_max", 0)

	v.SetDefault("peer.signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("peer.meeting", "")
	v.SetDefault("peer.participant", "")
	v.SetDefault("peer.audio_file", "")
	v.SetDefault("peer.video_file", "")
	v.SetDefault("peer.record_dir", "")
	v.SetDefault("peer.reconnect_delay", "2s")
	return v
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default).
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(New(), fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads path into v and unmarshals the result. A missing file falls
// back to defaults and environment.
func LoadFile(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			log.Warn().Str("module", "config").Str("file", path).Err(err).Msg("config file not loaded, using defaults")
		} else {
			log.Info().Str("module", "config").Str("file", path).Msg("loaded config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

// Level parses log_level, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (c *Config) RTC() rtc.Config {
	return rtc.Config{
		ICEServers:      c.WebRTC.ICEServers,
		IncludeLoopback: c.WebRTC.IncludeLoopback,
		UDPPortMin:      c.WebRTC.UDPPortMin,
		UDPPortMax:      c.WebRTC.UDPPortMax,
	}
}
