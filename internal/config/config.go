package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode        string        `mapstructure:"mode"`
	Port        int           `mapstructure:"port"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	AdminSecret string        `mapstructure:"admin_secret"`

	Backend BackendConfig `mapstructure:"backend"`
	RTC     RTCConfig     `mapstructure:"rtc"`
}

// BackendConfig points at the external identity/session/log/storage
// service.
type BackendConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	Secret      string        `mapstructure:"secret"`
	Timeout     time.Duration `mapstructure:"timeout"`
	InsecureTLS bool          `mapstructure:"insecure_tls"`
}

// RTCConfig tunes the media engine.
type RTCConfig struct {
	AnnouncedIP string        `mapstructure:"announced_ip"`
	PortMin     uint16        `mapstructure:"port_min"`
	PortMax     uint16        `mapstructure:"port_max"`
	ExitDelay   time.Duration `mapstructure:"exit_delay"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 3000)
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("admin_secret", "")
	v.SetDefault("backend.endpoint", "https://192.168.2.5:5050")
	v.SetDefault("backend.secret", "")
	v.SetDefault("backend.timeout", "10s")
	v.SetDefault("backend.insecure_tls", false)
	v.SetDefault("rtc.announced_ip", "")
	v.SetDefault("rtc.port_min", 2000)
	v.SetDefault("rtc.port_max", 2020)
	v.SetDefault("rtc.exit_delay", "2s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
