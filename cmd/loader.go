// Package cmd holds the wiring shared by the service binaries and pushctl:
// loading the embedded configuration and building concrete dependencies.
package cmd

import (
	_ "embed" // Required for go:embed
	"fmt"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/willyaranda/notification-next/routingservice/config"
)

//go:embed config.yaml
var configFile []byte

// Load parses the embedded configuration file, applies environment
// overrides and validates the result.
func Load(logger zerolog.Logger) (*config.AppConfig, error) {
	return load(configFile, logger)
}

// LoadWakeup is Load for the wake-up HTTP service. Only the wake-up
// section is validated, so the service starts without registry or broker
// settings.
func LoadWakeup(logger zerolog.Logger) (*config.AppConfig, error) {
	return loadWakeup(configFile, logger)
}

func load(data []byte, logger zerolog.Logger) (*config.AppConfig, error) {
	baseCfg, err := parse(data, logger)
	if err != nil {
		return nil, err
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize configuration with environment overrides: %w", err)
	}
	return cfg, nil
}

func loadWakeup(data []byte, logger zerolog.Logger) (*config.AppConfig, error) {
	baseCfg, err := parse(data, logger)
	if err != nil {
		return nil, err
	}
	cfg, err := config.ApplyEnvOverrides(baseCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.ValidateWakeup(); err != nil {
		return nil, fmt.Errorf("invalid wake-up configuration: %w", err)
	}
	return cfg, nil
}

func parse(data []byte, logger zerolog.Logger) (*config.AppConfig, error) {
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}

	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration from YAML: %w", err)
	}
	return baseCfg, nil
}
