// Package config provides configuration management for the go-fridgetag application.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`

	// Parser settings
	Parser struct {
		Permissive     bool    `mapstructure:"permissive"`
		Debug          bool    `mapstructure:"debug"`
		TemperatureMin float64 `mapstructure:"temperature_min"`
		TemperatureMax float64 `mapstructure:"temperature_max"`
	} `mapstructure:"parser"`

	// HTTP API settings
	API struct {
		Enabled        bool     `mapstructure:"enabled"`
		Host           string   `mapstructure:"host"`
		Port           int      `mapstructure:"port"`
		MaxUploadBytes int64    `mapstructure:"max_upload_bytes"`
		CacheSize      int      `mapstructure:"cache_size"`
		RateLimit      float64  `mapstructure:"rate_limit"`
		RateBurst      int      `mapstructure:"rate_burst"`
		CORSOrigins    []string `mapstructure:"cors_origins"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled       bool   `mapstructure:"enabled"`
		Host          string `mapstructure:"host"`
		Port          int    `mapstructure:"port"`
		Username      string `mapstructure:"username"`
		Password      string `mapstructure:"password"`
		Topic         string `mapstructure:"topic"`
		IncludeSerial bool   `mapstructure:"include_serial"`
		Retain        bool   `mapstructure:"retain"`
	} `mapstructure:"mqtt"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
	}

	// Default parser settings
	cfg.Parser.Permissive = false
	cfg.Parser.Debug = false
	cfg.Parser.TemperatureMin = -50
	cfg.Parser.TemperatureMax = 100

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8000
	cfg.API.MaxUploadBytes = 10 << 20
	cfg.API.CacheSize = 128
	cfg.API.RateLimit = 5
	cfg.API.RateBurst = 10
	cfg.API.CORSOrigins = []string{"*"}

	// Default MQTT settings
	cfg.MQTT.Enabled = false
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "fridgetag/reports"
	cfg.MQTT.IncludeSerial = true
	cfg.MQTT.Retain = false

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
		log.Debug().Str("component", "config").Msg("No configuration file found, using defaults")
	}

	// Bind environment variables, e.g. FRIDGETAG_API_PORT for api.port
	v.SetEnvPrefix("FRIDGETAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv registers every key so AutomaticEnv also applies to keys absent from the file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"log_level",
		"parser.permissive", "parser.debug", "parser.temperature_min", "parser.temperature_max",
		"api.enabled", "api.host", "api.port", "api.max_upload_bytes", "api.cache_size",
		"api.rate_limit", "api.rate_burst", "api.cors_origins",
		"mqtt.enabled", "mqtt.host", "mqtt.port", "mqtt.username", "mqtt.password",
		"mqtt.topic", "mqtt.include_serial", "mqtt.retain",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if c.Parser.TemperatureMin >= c.Parser.TemperatureMax {
		return fmt.Errorf("parser.temperature_min (%v) must be below parser.temperature_max (%v)",
			c.Parser.TemperatureMin, c.Parser.TemperatureMax)
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.API.MaxUploadBytes <= 0 {
		return fmt.Errorf("api.max_upload_bytes must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Topic == "" {
		return fmt.Errorf("mqtt.topic must be set when mqtt is enabled")
	}
	return nil
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-fridgetag Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")

	logger.Info().
		Bool("permissive", c.Parser.Permissive).
		Bool("debug", c.Parser.Debug).
		Float64("temperature_min", c.Parser.TemperatureMin).
		Float64("temperature_max", c.Parser.TemperatureMax).
		Msg("Parser")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Int64("max_upload_bytes", c.API.MaxUploadBytes).
			Int("cache_size", c.API.CacheSize).
			Float64("rate_limit", c.API.RateLimit).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Bool("include_serial", c.MQTT.IncludeSerial).
			Msg("MQTT Configuration")
	}

	logger.Info().Msg("-----------------------------")
}
