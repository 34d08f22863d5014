// Package config loads client configuration from a YAML file with
// environment variable overrides.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	UserID  string
	Server  Server
	Keyring Keyring
	Logger  Logger
}

type Server struct {
	// BaseURL is the HTTP API root, e.g. http://localhost:3000.
	BaseURL string
	// SocketURL is the realtime websocket endpoint, e.g. ws://localhost:3000/ws.
	SocketURL string
}

type Keyring struct {
	// Service names the credential entry in the OS keyring.
	Service string
	// Backend pins a specific keyring backend; empty means best available.
	Backend string
	// FileDir and FilePassword configure the encrypted-file fallback.
	FileDir      string
	FilePassword string
}

type Logger struct {
	Level string
}

func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigName(filename)
	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	v.AddConfigPath(".")

	// Registered with an empty default so the environment override is
	// visible to Unmarshal.
	v.SetDefault("userid", "")

	v.SetDefault("server.baseurl", "http://localhost:3000")
	v.SetDefault("server.socketurl", "ws://localhost:3000/ws")
	v.SetDefault("keyring.service", "quill")
	v.SetDefault("logger.level", "info")

	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "reading config file")
		}
		// No file is fine: defaults plus environment cover a dev setup.
	}
	return v, nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "unmarshalling config")
	}
	if c.UserID == "" {
		return nil, errors.New("userid must be set")
	}
	return &c, nil
}
