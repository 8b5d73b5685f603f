package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"claimcheck/internal/ai"
	"claimcheck/internal/scoring"
)

// Config is the service configuration: defaults, then the optional YAML
// file, then environment overrides.
type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		DBPath         string   `yaml:"db_path"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Fraud struct {
		Threshold          float64       `yaml:"threshold"`
		SignalThreshold    float64       `yaml:"signal_threshold"`
		DuplicateWindow    time.Duration `yaml:"duplicate_window"`
		ResubmissionWindow time.Duration `yaml:"resubmission_window"`
		EarlyClaimWindow   time.Duration `yaml:"early_claim_window"`
		FrequencyWindow    time.Duration `yaml:"frequency_window"`
		FrequencyLimit     int           `yaml:"frequency_limit"`
		OutlierMinSamples  int           `yaml:"outlier_min_samples"`
		TermsPath          string        `yaml:"terms_path"`
	} `yaml:"fraud"`

	History struct {
		CSVPath string `yaml:"csv_path"`
	} `yaml:"history"`

	Jobs struct {
		Workers int `yaml:"workers"`
	} `yaml:"jobs"`

	Logging struct {
		Format string `yaml:"format"` // "json"|"text"
		Level  string `yaml:"level"`
	} `yaml:"logging"`

	AI struct {
		Disabled    bool    `yaml:"disabled"`
		APIKey      string  `yaml:"-"`
		Model       string  `yaml:"model"`
		BaseURL     string  `yaml:"base_url"`
		Temperature float64 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
	} `yaml:"ai"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	sc := scoring.DefaultConfig()
	c.Server.Port = "2000"
	c.Server.DBPath = "data/claimcheck.db"
	c.Server.AllowedOrigins = []string{"http://localhost:1000", "http://127.0.0.1:1000"}
	c.Fraud.Threshold = sc.FraudThreshold
	c.Fraud.SignalThreshold = sc.SignalThreshold
	c.Fraud.DuplicateWindow = sc.DuplicateWindow
	c.Fraud.ResubmissionWindow = sc.ResubmissionWindow
	c.Fraud.EarlyClaimWindow = sc.EarlyClaimWindow
	c.Fraud.FrequencyWindow = sc.FrequencyWindow
	c.Fraud.FrequencyLimit = sc.FrequencyLimit
	c.Fraud.OutlierMinSamples = sc.OutlierMinSamples
	c.Logging.Format = "text"
	c.Logging.Level = "info"
	return c
}

// Load reads the YAML file at path (if any) and applies environment
// overrides from lookup. A nil lookup uses os.Getenv.
func Load(path string, lookup func(string) string) (Config, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	c := Default()
	if path = strings.TrimSpace(path); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) string) error {
	env := func(key string) string { return strings.TrimSpace(lookup(key)) }
	var errs []error
	duration := func(key string, dst *time.Duration) {
		if v := env(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	float := func(key string, dst *float64) {
		if v := env(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v := env(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	if v := env("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := env("CLAIMCHECK_DB_PATH"); v != "" {
		c.Server.DBPath = v
	}
	if v := env("ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.AllowedOrigins = origins
	}
	float("FRAUD_THRESHOLD", &c.Fraud.Threshold)
	duration("DUPLICATE_WINDOW", &c.Fraud.DuplicateWindow)
	duration("RESUBMISSION_WINDOW", &c.Fraud.ResubmissionWindow)
	if v := env("FRAUD_TERMS_PATH"); v != "" {
		c.Fraud.TermsPath = v
	}
	if v := env("HISTORY_CSV_PATH"); v != "" {
		c.History.CSVPath = v
	}
	integer("JOB_WORKERS", &c.Jobs.Workers)
	if v := env("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := env("DISABLE_AI"); v != "" {
		c.AI.Disabled = strings.EqualFold(v, "true") || v == "1"
	}
	c.AI.APIKey = env("OPENAI_API_KEY")
	if v := env("OPENAI_MODEL"); v != "" {
		c.AI.Model = v
	}
	if v := env("OPENAI_BASE_URL"); v != "" {
		c.AI.BaseURL = v
	}
	float("OPENAI_TEMPERATURE", &c.AI.Temperature)
	integer("OPENAI_MAX_TOKENS", &c.AI.MaxTokens)
	return errors.Join(errs...)
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Fraud.Threshold < 0 || c.Fraud.Threshold > 1 {
		errs = append(errs, fmt.Errorf("fraud threshold %v outside [0,1]", c.Fraud.Threshold))
	}
	if c.Fraud.SignalThreshold < 0 || c.Fraud.SignalThreshold > 1 {
		errs = append(errs, fmt.Errorf("signal threshold %v outside [0,1]", c.Fraud.SignalThreshold))
	}
	windows := map[string]time.Duration{
		"duplicate_window":    c.Fraud.DuplicateWindow,
		"resubmission_window": c.Fraud.ResubmissionWindow,
		"early_claim_window":  c.Fraud.EarlyClaimWindow,
		"frequency_window":    c.Fraud.FrequencyWindow,
	}
	for _, name := range []string{"duplicate_window", "resubmission_window", "early_claim_window", "frequency_window"} {
		if windows[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Fraud.FrequencyLimit <= 0 {
		errs = append(errs, errors.New("frequency_limit must be positive"))
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if strings.TrimSpace(c.Server.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ScoringConfig maps the fraud section onto the engine configuration.
func (c Config) ScoringConfig() scoring.Config {
	return scoring.Config{
		FraudThreshold:     c.Fraud.Threshold,
		SignalThreshold:    c.Fraud.SignalThreshold,
		DuplicateWindow:    c.Fraud.DuplicateWindow,
		ResubmissionWindow: c.Fraud.ResubmissionWindow,
		EarlyClaimWindow:   c.Fraud.EarlyClaimWindow,
		FrequencyWindow:    c.Fraud.FrequencyWindow,
		FrequencyLimit:     c.Fraud.FrequencyLimit,
		OutlierMinSamples:  c.Fraud.OutlierMinSamples,
	}
}

// AIConfig maps the ai section onto the explainer client configuration.
func (c Config) AIConfig() ai.Config {
	return ai.Config{
		APIKey:      c.AI.APIKey,
		Model:       c.AI.Model,
		BaseURL:     c.AI.BaseURL,
		Temperature: c.AI.Temperature,
		MaxTokens:   c.AI.MaxTokens,
	}
}

// ConfigureLogging applies the logging section to the standard logrus logger.
func (c Config) ConfigureLogging() {
	if level, err := logrus.ParseLevel(c.Logging.Level); err == nil {
		logrus.SetLevel(level)
	}
	if strings.EqualFold(c.Logging.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
