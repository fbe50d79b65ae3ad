package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the yaml run configuration. Every field has a usable
// default so `lgsample run` works with no file at all.
type Config struct {
	Seed       int64   `yaml:"seed"`
	Steps      int     `yaml:"steps"`
	LatentSize int     `yaml:"latent_size"`
	Channels   int     `yaml:"channels"`
	Guidance   float64 `yaml:"guidance"`
	Shift      float64 `yaml:"shift"`
	Multiplier float64 `yaml:"multiplier"`
	Output     string  `yaml:"output"`

	Injection struct {
		Strength  float64 `yaml:"strength"`
		Start     float64 `yaml:"start"`
		End       float64 `yaml:"end"`
		Reference string  `yaml:"reference"` // safetensors latent, optional
		Mask      string  `yaml:"mask"`      // png, optional
	} `yaml:"injection"`

	Perturbation struct {
		Mode     string  `yaml:"mode"` // "sigma" or "flow"
		Strength float64 `yaml:"strength"`
		Seed     int64   `yaml:"seed"`
		Start    float64 `yaml:"start"`
		End      float64 `yaml:"end"`
	} `yaml:"perturbation"`

	// Hand-edited schedule override, JSON float array ("[]" = none).
	ScheduleAdjustments string `yaml:"schedule_adjustments"`
}

func defaultConfig() Config {
	var c Config
	c.Seed = 42
	c.Steps = 25
	c.LatentSize = 64
	c.Channels = 4
	c.Guidance = 7.5
	c.Shift = 3.0
	c.Multiplier = 1.0
	c.Output = "lgsample_output.png"
	c.Injection.Strength = 0.15
	c.Injection.End = 0.6
	c.Perturbation.Mode = "flow"
	c.Perturbation.Strength = 0.05
	c.Perturbation.End = 0.5
	c.ScheduleAdjustments = "[]"
	return c
}

func loadConfig(path string) (Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}
