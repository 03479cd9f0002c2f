package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/msageha/experian_v2/internal/model"
)

// loadConfig decodes path over the defaults, so omitted keys keep their default values.
func loadConfig(path string) (model.Config, error) {
	if path == "" {
		return model.Config{}, errors.New("--config is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := model.DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	return cfg, nil
}
