// CLAUDE:SUMMARY taxpull configuration: YAML file, .env loading, environment overrides and defaults.
// Package config loads the taxpull configuration from a YAML file, with
// .env support and a few environment overrides for deployment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/taxpull/batch"
	"github.com/hazyhaar/taxpull/captcha"
	"github.com/hazyhaar/taxpull/navigate"
	"github.com/hazyhaar/taxpull/portal"
	"github.com/hazyhaar/taxpull/tablex"
)

// Config is the top-level taxpull configuration.
type Config struct {
	// DB is the SQLite file holding entities and checkpoints.
	DB        string `yaml:"db"`
	Addr      string `yaml:"addr"`
	LogLevel  string `yaml:"log_level"`
	OutputDir string `yaml:"output_dir"`
	// EntitiesFile is imported at startup when set.
	EntitiesFile string `yaml:"entities_file"`
	// PeriodParam names the entity parameter stored as the result period.
	PeriodParam string `yaml:"period_param"`

	Portal  portal.Config    `yaml:"portal"`
	Captcha CaptchaConfig    `yaml:"captcha"`
	Route   navigate.Route   `yaml:"route"`
	Nav     NavConfig        `yaml:"navigation"`
	Extract tablex.Extractor `yaml:"extract"`
	Batch   batch.Config     `yaml:"batch"`
}

// CaptchaConfig controls the login loop.
type CaptchaConfig struct {
	MaxAttempts  int               `yaml:"max_attempts"`
	TrimTrailing int               `yaml:"trim_trailing"`
	MarkerWait   time.Duration     `yaml:"marker_wait"`
	Tesseract    captcha.Tesseract `yaml:"tesseract"`
}

// NavConfig holds navigation timeouts.
type NavConfig struct {
	StepTimeout      time.Duration `yaml:"step_timeout"`
	AlternateTimeout time.Duration `yaml:"alternate_timeout"`
}

// Environment overrides.
const (
	EnvDB       = "TAXPULL_DB"
	EnvAddr     = "TAXPULL_ADDR"
	EnvLogLevel = "LOG_LEVEL"
)

// LoadEnv loads .env then .env.local from the working directory. Missing
// files are ignored and variables already set are kept.
func LoadEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// LoadFile reads a YAML configuration file, applies environment overrides
// and defaults, and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDB); v != "" {
		c.DB = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		c.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if c.DB == "" {
		c.DB = "taxpull.db"
	}
	if c.Addr == "" {
		c.Addr = ":8086"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.OutputDir == "" {
		c.OutputDir = "output"
	}
	if c.PeriodParam == "" {
		c.PeriodParam = "period"
	}
	if c.Captcha.MaxAttempts == 0 {
		c.Captcha.MaxAttempts = 3
	}
	if c.Captcha.MarkerWait <= 0 {
		c.Captcha.MarkerWait = 2 * time.Second
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Captcha.MaxAttempts < 1 || c.Captcha.MaxAttempts > 10 {
		return fmt.Errorf("config: captcha.max_attempts must be within 1..10, got %d", c.Captcha.MaxAttempts)
	}
	if c.Captcha.TrimTrailing < 0 {
		return errors.New("config: captcha.trim_trailing must not be negative")
	}
	if err := c.Portal.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Route.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Extract.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
