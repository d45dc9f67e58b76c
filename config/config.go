package config

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Host     string `mapstructure:"host" json:"host,omitempty"`
		Port     int64  `mapstructure:"port" json:"port,omitempty"`
		Database struct {
			DSN string `mapstructure:"dsn" json:"dsn,omitempty"`
		} `mapstructure:"database" json:"database,omitempty"`
	} `mapstructure:"server" json:"server"`

	Redis struct {
		Host     string `mapstructure:"host" json:"host,omitempty"`
		Port     string `mapstructure:"port" json:"port,omitempty"`
		User     string `mapstructure:"user" json:"user,omitempty"`
		Password string `mapstructure:"password" json:"password,omitempty"`
		DB       int    `mapstructure:"db" json:"db,omitempty"`
	} `mapstructure:"redis" json:"redis,omitempty"`

	Chain struct {
		RpcURL string `mapstructure:"rpc_url" json:"rpc_url,omitempty"`
	} `mapstructure:"chain" json:"chain,omitempty"`

	Jupiter struct {
		BaseURL  string `mapstructure:"base_url" json:"base_url,omitempty"`
		PriceURL string `mapstructure:"price_url" json:"price_url,omitempty"`
	} `mapstructure:"jupiter" json:"jupiter,omitempty"`

	Scheduler struct {
		IntervalSeconds int64 `mapstructure:"interval_seconds" json:"interval_seconds,omitempty"`
	} `mapstructure:"scheduler" json:"scheduler,omitempty"`

	Approval struct {
		TimeoutSeconds int64 `mapstructure:"timeout_seconds" json:"timeout_seconds,omitempty"`
	} `mapstructure:"approval" json:"approval,omitempty"`

	Notify struct {
		WebhookURL string `mapstructure:"webhook_url" json:"webhook_url,omitempty"`
	} `mapstructure:"notify" json:"notify,omitempty"`

	// Automation.Kinds holds per-kind overrides (default slippage, minimum
	// frequency) keyed by the kind name; see KindDefaults.
	Automation struct {
		Kinds map[string]map[string]interface{} `mapstructure:"kinds" json:"kinds,omitempty"`
	} `mapstructure:"automation" json:"automation,omitempty"`

	Datadog struct {
		Host string `mapstructure:"host" json:"host,omitempty"`
		Port string `mapstructure:"port" json:"port,omitempty"`
	} `mapstructure:"datadog" json:"datadog"`
}

// KindDefaults are tuning knobs applied when a create request leaves the
// corresponding field unset.
type KindDefaults struct {
	MaxSlippageBps      int   `mapstructure:"max_slippage_bps"`
	MinFrequencySeconds int64 `mapstructure:"min_frequency_seconds"`
}

// KindDefaults decodes the raw per-kind config block. Unknown kinds get the
// zero defaults.
func (c *Config) KindDefaults(kind string) (*KindDefaults, error) {
	var defaults KindDefaults
	raw, ok := c.Automation.Kinds[kind]
	if !ok {
		return &defaults, nil
	}
	if err := mapstructure.Decode(raw, &defaults); err != nil {
		return nil, fmt.Errorf("unable to decode %s defaults, %w", kind, err)
	}
	return &defaults, nil
}

func GetConfigure() (*Config, error) {
	configName := os.Getenv("AP_CONFIG_NAME")
	if configName == "" {
		configName = "config"
	}

	return ReadConfig(configName)
}

func ReadConfig(configName string) (*Config, error) {
	viper.SetConfigName(configName)
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("Server.Host", "0.0.0.0")
	viper.SetDefault("Server.Port", 8080)
	viper.SetDefault("Jupiter.base_url", "https://quote-api.jup.ag/v6")
	viper.SetDefault("Jupiter.price_url", "https://lite-api.jup.ag/price/v2")
	viper.SetDefault("Scheduler.interval_seconds", 10)
	viper.SetDefault("Approval.timeout_seconds", 300)

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fail to reading config file, %w", err)
	}
	var cfg Config
	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}
	return &cfg, nil
}
