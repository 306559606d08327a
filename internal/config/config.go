// Package config loads the bootstrap configuration file that seeds the
// first connect-parameter snapshot. Everything in it can be overridden on
// the command line; once the user has connected with "remember me", the
// persisted autoconnect record takes precedence.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the bootstrap configuration file shape
type Config struct {
	Addr     string   `yaml:"addr"`
	TLS      bool     `yaml:"tls"`
	Nick     string   `yaml:"nick"`
	Username string   `yaml:"username"`
	Realname string   `yaml:"realname"`
	Channels []string `yaml:"channels"`

	SASL struct {
		Mechanism string `yaml:"mechanism"`
		Username  string `yaml:"username"`
	} `yaml:"sasl"`
}

// Parse decodes a configuration document
func Parse(buf []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads and decodes the configuration file at path. A missing
// file is not an error; it yields the zero config.
func LoadFile(path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(buf)
}
