package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/chriss-de/doorman/v2"
)

// Config is the doormand configuration file.
type Config struct {
	Listen       string         `mapstructure:"listen" validate:"required"`
	LogLevel     string         `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Secret       string         `mapstructure:"secret" validate:"omitempty,min=32"`
	PathBase     string         `mapstructure:"path_base"`
	PoliciesFile string         `mapstructure:"policies_file"`
	Doorman      doorman.Config `mapstructure:"doorman"`
}

func defaultConfig() *Config {
	return &Config{
		Listen:   ":8080",
		LogLevel: "info",
	}
}

// LoadConfig reads path (or ./doormand.yaml when empty) and DOORMAN_* environment
// variables, e.g. DOORMAN_LISTEN or DOORMAN_LOG_LEVEL. A missing default file is
// not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOORMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("listen", def.Listen)
	v.SetDefault("log_level", def.LogLevel)
	for _, key := range []string{"secret", "path_base", "policies_file"} {
		v.SetDefault(key, "")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("doormand")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) doormanOptions(logger doorman.Logger) ([]doorman.Option, error) {
	opts := []doorman.Option{
		doorman.WithLogger(logger),
		doorman.WithConfig(&c.Doorman),
	}
	if c.PathBase != "" {
		opts = append(opts, doorman.WithPathBase(c.PathBase))
	}
	if c.Secret != "" {
		protector, err := doorman.NewJWTProtector([]byte(c.Secret), "doormand")
		if err != nil {
			return nil, err
		}
		opts = append(opts, doorman.WithProtector(protector))
	}
	return opts, nil
}
