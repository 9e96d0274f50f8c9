package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig                 `yaml:"store" mapstructure:"store"`
	Server     ServerConfig                `yaml:"server" mapstructure:"server"`
	Log        LogConfig                   `yaml:"log" mapstructure:"log"`
	Qualify    QualifyConfig               `yaml:"qualify" mapstructure:"qualify"`
	Cascade    CascadeConfig               `yaml:"cascade" mapstructure:"cascade"`
	Weights    map[string]float64          `yaml:"weights" mapstructure:"weights"`
	Tiers      TierConfig                  `yaml:"tiers" mapstructure:"tiers"`
	Dedupe     DedupeConfig                `yaml:"dedupe" mapstructure:"dedupe"`
	Confidence map[string]SignalConfidence `yaml:"confidence" mapstructure:"confidence"`
	Circuit    CircuitConfig               `yaml:"circuit" mapstructure:"circuit"`
	Detectors  map[string]DetectorConfig   `yaml:"detectors" mapstructure:"detectors"`
	// DetectorsFile optionally points at a YAML file of detector definitions
	// that is merged over Detectors (see LoadDetectors).
	DetectorsFile string `yaml:"detectors_file" mapstructure:"detectors_file"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxBodyMB   int      `yaml:"max_body_mb" mapstructure:"max_body_mb"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// QualifyConfig configures one qualification run.
type QualifyConfig struct {
	Workers      int  `yaml:"workers" mapstructure:"workers"`
	DeadlineSecs int  `yaml:"deadline_secs" mapstructure:"deadline_secs"`
	IncludeLow   bool `yaml:"include_low" mapstructure:"include_low"`
	// LowConfidenceMass is the minimum total effective weight below which a
	// lead is flagged low-confidence and capped at LowConfidenceCap.
	LowConfidenceMass float64 `yaml:"low_confidence_mass" mapstructure:"low_confidence_mass"`
	LowConfidenceCap  int     `yaml:"low_confidence_cap" mapstructure:"low_confidence_cap"`
}

// CascadeConfig configures stage ordering and elimination.
type CascadeConfig struct {
	// Ordering is "cost" (ascending cost per call) or "configured" (the
	// order of Stages as written).
	Ordering            string        `yaml:"ordering" mapstructure:"ordering"`
	Stages              []StageConfig `yaml:"stages" mapstructure:"stages"`
	DefaultThreshold    float64       `yaml:"default_threshold" mapstructure:"default_threshold"`
	DefaultMaxLatencyMs int           `yaml:"default_max_latency_ms" mapstructure:"default_max_latency_ms"`
}

// StageConfig overrides one cascade stage. Zero values fall back to the
// cascade defaults.
type StageConfig struct {
	Signal       string   `yaml:"signal" mapstructure:"signal"`
	Threshold    *float64 `yaml:"threshold" mapstructure:"threshold"`
	MaxLatencyMs int      `yaml:"max_latency_ms" mapstructure:"max_latency_ms"`
}

// TierConfig holds the lower bound of each priority band.
type TierConfig struct {
	Immediate int `yaml:"immediate" mapstructure:"immediate"`
	High      int `yaml:"high" mapstructure:"high"`
	Medium    int `yaml:"medium" mapstructure:"medium"`
}

// DedupeConfig configures identity resolution.
type DedupeConfig struct {
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	// UseIndex enables the prior-run identity index backed by the store.
	UseIndex bool `yaml:"use_index" mapstructure:"use_index"`
	// SkipKnown drops candidates already present in the index.
	SkipKnown bool `yaml:"skip_known" mapstructure:"skip_known"`
}

// SignalConfidence configures how much a signal's observations are trusted.
type SignalConfidence struct {
	Reliability  float64 `yaml:"reliability" mapstructure:"reliability"`
	HalfLifeDays float64 `yaml:"half_life_days" mapstructure:"half_life_days"`
	Floor        float64 `yaml:"floor" mapstructure:"floor"`
}

// CircuitConfig configures the per-detector circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// RetryConfig configures detector retries on transient errors.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoff     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier     float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// DetectorConfig defines one signal detector.
type DetectorConfig struct {
	// Kind is "http" or "fixture".
	Kind        string  `yaml:"kind" mapstructure:"kind"`
	CostPerCall float64 `yaml:"cost_per_call" mapstructure:"cost_per_call"`

	// HTTP detectors. URL may reference {domain}, {name} and {region}.
	URL             string            `yaml:"url" mapstructure:"url"`
	Method          string            `yaml:"method" mapstructure:"method"`
	Headers         map[string]string `yaml:"headers" mapstructure:"headers"`
	Unit            string            `yaml:"unit" mapstructure:"unit"`
	ValuePath       string            `yaml:"value_path" mapstructure:"value_path"`
	FieldPaths      []string          `yaml:"field_paths" mapstructure:"field_paths"`
	ObservedAtPath  string            `yaml:"observed_at_path" mapstructure:"observed_at_path"`
	DefaultedPath   string            `yaml:"defaulted_path" mapstructure:"defaulted_path"`
	EvidencePath    string            `yaml:"evidence_path" mapstructure:"evidence_path"`
	DomainPath      string            `yaml:"domain_path" mapstructure:"domain_path"`
	TimeoutMs       int               `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	Retry           RetryConfig       `yaml:"retry" mapstructure:"retry"`
	RequiresDomain  bool              `yaml:"requires_domain" mapstructure:"requires_domain"`

	// Fixture detectors.
	FixturePath string `yaml:"fixture_path" mapstructure:"fixture_path"`

	// Shared per-source limits.
	RatePerSec    float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
	MaxConcurrent int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	// Budget caps the number of calls per run; 0 means unlimited.
	Budget int `yaml:"budget" mapstructure:"budget"`
}

// DefaultWeights are the category weights used when none are configured.
var DefaultWeights = map[string]float64{
	"stack_cost":           0.25,
	"subscription_revenue": 0.20,
	"performance_loss":     0.20,
	"ad_spend":             0.15,
	"domain_authority":     0.10,
	"social_traction":      0.10,
}

// DefaultConfidence is the per-signal reliability table used when none is
// configured. Paid data sources rate higher than scraped estimates.
var DefaultConfidence = map[string]SignalConfidence{
	"stack_cost":           {Reliability: 0.9, HalfLifeDays: 90, Floor: 0.3},
	"subscription_revenue": {Reliability: 0.8, HalfLifeDays: 60, Floor: 0.3},
	"performance_loss":     {Reliability: 0.85, HalfLifeDays: 30, Floor: 0.2},
	"ad_spend":             {Reliability: 0.8, HalfLifeDays: 30, Floor: 0.2},
	"domain_authority":     {Reliability: 0.95, HalfLifeDays: 180, Floor: 0.5},
	"social_traction":      {Reliability: 0.7, HalfLifeDays: 60, Floor: 0.3},
}

// Defaults returns the configuration Load produces when neither a config
// file nor environment overrides are present.
func Defaults() *Config {
	cfg := &Config{
		Store:   StoreConfig{Driver: "sqlite", DatabaseURL: "qualify.db"},
		Server:  ServerConfig{Port: 8080, CORSOrigins: []string{"*"}, MaxBodyMB: 10},
		Log:     LogConfig{Level: "info", Format: "json"},
		Qualify: QualifyConfig{Workers: 8, LowConfidenceMass: 0.35, LowConfidenceCap: 50},
		Cascade: CascadeConfig{Ordering: "cost", DefaultMaxLatencyMs: 5000},
		Tiers:   TierConfig{Immediate: 85, High: 70, Medium: 55},
		Dedupe:  DedupeConfig{FuzzyThreshold: 0.85},
		Circuit: CircuitConfig{FailureThreshold: 5, ResetTimeoutSecs: 30},
	}
	cfg.Weights = make(map[string]float64, len(DefaultWeights))
	for k, v := range DefaultWeights {
		cfg.Weights[k] = v
	}
	cfg.Confidence = make(map[string]SignalConfidence, len(DefaultConfidence))
	for k, v := range DefaultConfidence {
		cfg.Confidence[k] = v
	}
	return cfg
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("QUALIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "qualify.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_body_mb", 10)
	v.SetDefault("qualify.workers", 8)
	v.SetDefault("qualify.deadline_secs", 0)
	v.SetDefault("qualify.include_low", false)
	v.SetDefault("qualify.low_confidence_mass", 0.35)
	v.SetDefault("qualify.low_confidence_cap", 50)
	v.SetDefault("cascade.ordering", "cost")
	v.SetDefault("cascade.default_threshold", 0)
	v.SetDefault("cascade.default_max_latency_ms", 5000)
	v.SetDefault("tiers.immediate", 85)
	v.SetDefault("tiers.high", 70)
	v.SetDefault("tiers.medium", 55)
	v.SetDefault("dedupe.fuzzy_threshold", 0.85)
	v.SetDefault("dedupe.use_index", false)
	v.SetDefault("dedupe.skip_known", false)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	for signal, w := range DefaultWeights {
		v.SetDefault("weights."+signal, w)
	}
	for signal, c := range DefaultConfidence {
		v.SetDefault("confidence."+signal+".reliability", c.Reliability)
		v.SetDefault("confidence."+signal+".half_life_days", c.HalfLifeDays)
		v.SetDefault("confidence."+signal+".floor", c.Floor)
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.DetectorsFile != "" {
		detectors, err := LoadDetectors(cfg.DetectorsFile)
		if err != nil {
			return nil, err
		}
		if cfg.Detectors == nil {
			cfg.Detectors = make(map[string]DetectorConfig, len(detectors))
		}
		for name, d := range detectors {
			cfg.Detectors[name] = d
		}
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
