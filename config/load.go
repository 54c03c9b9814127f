package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const defaultConfigPath = "config.yaml"

// Load reads the YAML config file (path from RISKDESK_CONFIG, falling back to
// ./config.yaml) and applies environment overrides. A missing file is not an
// error; env vars and defaults still apply.
func Load() (*AppConfig, error) {
	path := os.Getenv("RISKDESK_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	cfg := &AppConfig{}
	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
