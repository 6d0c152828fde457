package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	FHIRBaseURL       string  `mapstructure:"FHIR_BASE_URL"`
	FHIRAuthMode      string  `mapstructure:"FHIR_AUTH_MODE"` // direct | oauth
	FHIRBearerToken   string  `mapstructure:"FHIR_BEARER_TOKEN"`
	FHIRTokenURL      string  `mapstructure:"FHIR_TOKEN_URL"`
	FHIRClientID      string  `mapstructure:"FHIR_CLIENT_ID"`
	FHIRPrivateKeyPEM string  `mapstructure:"FHIR_PRIVATE_KEY_PEM"`
	FHIRScopes        string  `mapstructure:"FHIR_SCOPES"`
	FHIRTimeoutSecs   int     `mapstructure:"FHIR_TIMEOUT_SECONDS"`
	FHIRRateLimitRPS  float64 `mapstructure:"FHIR_RATE_LIMIT_RPS"`

	LookbackHours      int `mapstructure:"LOOKBACK_HOURS"`
	DetectionWorkers   int `mapstructure:"DETECTION_WORKERS"`
	OnsetThresholdDays int `mapstructure:"ONSET_THRESHOLD_DAYS"`
	PatientCacheSize   int `mapstructure:"PATIENT_CACHE_SIZE"`

	ClusterWindowDays int `mapstructure:"CLUSTER_WINDOW_DAYS"`
	MinClusterSize    int `mapstructure:"MIN_CLUSTER_SIZE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("FHIR_AUTH_MODE", "direct")
	v.SetDefault("FHIR_SCOPES", "system/DiagnosticReport.read system/MedicationRequest.read system/Patient.read system/Encounter.read")
	v.SetDefault("FHIR_TIMEOUT_SECONDS", 30)
	v.SetDefault("FHIR_RATE_LIMIT_RPS", 10)
	v.SetDefault("LOOKBACK_HOURS", 24)
	v.SetDefault("DETECTION_WORKERS", 4)
	v.SetDefault("ONSET_THRESHOLD_DAYS", 2)
	v.SetDefault("PATIENT_CACHE_SIZE", 256)
	v.SetDefault("CLUSTER_WINDOW_DAYS", 14)
	v.SetDefault("MIN_CLUSTER_SIZE", 2)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"FHIR_BASE_URL", "FHIR_AUTH_MODE", "FHIR_BEARER_TOKEN",
		"FHIR_TOKEN_URL", "FHIR_CLIENT_ID", "FHIR_PRIVATE_KEY_PEM",
		"FHIR_SCOPES", "FHIR_TIMEOUT_SECONDS", "FHIR_RATE_LIMIT_RPS",
		"LOOKBACK_HOURS", "DETECTION_WORKERS", "ONSET_THRESHOLD_DAYS",
		"PATIENT_CACHE_SIZE", "CLUSTER_WINDOW_DAYS", "MIN_CLUSTER_SIZE",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.FHIRBaseURL == "" {
		return nil, fmt.Errorf("FHIR_BASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. The oauth FHIR
// auth mode requires the SMART backend-services registration details; the
// surveillance windows must be positive.
func (c *Config) Validate() error {
	switch strings.ToLower(c.FHIRAuthMode) {
	case "direct":
	case "oauth":
		if c.FHIRTokenURL == "" {
			return fmt.Errorf("FHIR_TOKEN_URL is required when FHIR_AUTH_MODE is \"oauth\"")
		}
		if c.FHIRClientID == "" {
			return fmt.Errorf("FHIR_CLIENT_ID is required when FHIR_AUTH_MODE is \"oauth\"")
		}
		if c.FHIRPrivateKeyPEM == "" {
			return fmt.Errorf("FHIR_PRIVATE_KEY_PEM is required when FHIR_AUTH_MODE is \"oauth\"")
		}
	default:
		return fmt.Errorf("FHIR_AUTH_MODE must be \"direct\" or \"oauth\", got %q", c.FHIRAuthMode)
	}

	if c.LookbackHours <= 0 {
		return fmt.Errorf("LOOKBACK_HOURS must be positive, got %d", c.LookbackHours)
	}
	if c.DetectionWorkers <= 0 {
		return fmt.Errorf("DETECTION_WORKERS must be positive, got %d", c.DetectionWorkers)
	}
	if c.ClusterWindowDays <= 0 {
		return fmt.Errorf("CLUSTER_WINDOW_DAYS must be positive, got %d", c.ClusterWindowDays)
	}
	if c.MinClusterSize < 2 {
		return fmt.Errorf("MIN_CLUSTER_SIZE must be at least 2, got %d", c.MinClusterSize)
	}
	if c.OnsetThresholdDays < 0 {
		return fmt.Errorf("ONSET_THRESHOLD_DAYS must not be negative, got %d", c.OnsetThresholdDays)
	}

	return nil
}
