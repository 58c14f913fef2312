package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MySQLConfig holds configuration for MySQL.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	LogLevel int    `yaml:"log_level"` // 1=Silent 2=Error 3=Warn 4=Info
	// Connection pool settings
	MaxIdleConns           int `yaml:"max_idle_conns"`
	MaxOpenConns           int `yaml:"max_open_conns"`
	ConnMaxLifetimeMinutes int `yaml:"conn_max_lifetime_minutes"`
	ConnMaxIdleTimeMinutes int `yaml:"conn_max_idle_time_minutes"`
	// Timeouts
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds   int `yaml:"write_timeout_seconds"`
}

// RedisConfig holds configuration for Redis.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Connection pool settings
	PoolSize     int `yaml:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns"`
	// Timeouts
	DialTimeoutSeconds  int `yaml:"dial_timeout_seconds"`
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
	// Upload-dedup record expiry in days
	MD5RecordExpireDays int `yaml:"md5_record_expire_days"`
}

// RabbitMQConfig holds configuration for RabbitMQ.
type RabbitMQConfig struct {
	URL             string `yaml:"url"`
	PrefetchCount   int    `yaml:"prefetch_count"`
	RebuildWorkers  int    `yaml:"rebuild_workers"`
	RetryInterval   string `yaml:"retry_interval"`
	PublishMandator bool   `yaml:"publish_mandatory"`
}

// MinIOConfig holds configuration for the CV blob store.
type MinIOConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Location        string `yaml:"location"`
	CVBucket        string `yaml:"cv_bucket"`
	// Days after which orphaned uploads expire; 0 disables lifecycle rules.
	ExpiryDays int `yaml:"expiry_days"`
}

// EmbeddingConfig holds configuration for the embedding provider
// (OpenAI-compatible endpoint).
type EmbeddingConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	Dimensions     int    `yaml:"dimensions"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AnalyzerConfig holds configuration for the external document analyzer.
type AnalyzerConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// Version tags extraction provenance on candidates.
	Version string `yaml:"version"`
}

// RankingConfig holds the scoring weight configuration. Values are validated
// eagerly at load time so bad weights never reach compute time.
type RankingConfig struct {
	// Alpha blends cosine against the symbolic aggregate, in [0,1].
	Alpha float32 `yaml:"alpha"`
	// Category weights, non-negative; they need not sum to 1.
	WeightSkills     float32 `yaml:"weight_skills"`
	WeightExperience float32 `yaml:"weight_experience"`
	WeightEducation  float32 `yaml:"weight_education"`
	WeightLanguages  float32 `yaml:"weight_languages"`
	// Threshold is the fuzzy-match acceptance threshold in [0,100].
	Threshold int `yaml:"threshold"`
	// RebuildMode selects the rebuild consistency strategy:
	// "purge" deletes the profile's rankings before rewriting,
	// "overwrite" upserts key by key.
	RebuildMode string `yaml:"rebuild_mode"`
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggerConfig mirrors logger.Config for YAML loading.
type LoggerConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	TimeFormat   string `yaml:"time_format"`
	ReportCaller bool   `yaml:"report_caller"`
}

// Config is the application configuration.
type Config struct {
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Ranking   RankingConfig   `yaml:"ranking"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logger    LoggerConfig    `yaml:"logger"`
}

// LoadConfig loads configuration from a YAML file, applies environment
// overrides and defaults, then validates the ranking section.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path must be provided")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	applyDefaults(&config)

	if err := config.Ranking.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ranking config: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets the environment win over the file for secrets and
// the ranking tunables (the original deployment drove these via env).
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		config.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		config.Embedding.BaseURL = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		config.Embedding.Model = v
	}
	if v := os.Getenv("ANALYZER_API_KEY"); v != "" {
		config.Analyzer.APIKey = v
	}
	if v := os.Getenv("MYSQL_PASSWORD"); v != "" {
		config.MySQL.Password = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		config.MinIO.SecretAccessKey = v
	}
	if v, ok := envFloat32("RANK_ALPHA"); ok {
		config.Ranking.Alpha = v
	}
	if v, ok := envFloat32("RANK_W_SKILLS"); ok {
		config.Ranking.WeightSkills = v
	}
	if v, ok := envFloat32("RANK_W_EXPERIENCE"); ok {
		config.Ranking.WeightExperience = v
	}
	if v, ok := envFloat32("RANK_W_EDUCATION"); ok {
		config.Ranking.WeightEducation = v
	}
	if v, ok := envFloat32("RANK_W_LANGUAGES"); ok {
		config.Ranking.WeightLanguages = v
	}
	if v := os.Getenv("RANK_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Ranking.Threshold = n
		}
	}
}

func envFloat32(name string) (float32, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return 0, false
	}
	return float32(f), true
}

// applyDefaults fills in unset values. The ranking defaults mirror the
// deployment the scoring model was tuned on.
func applyDefaults(config *Config) {
	if config.RabbitMQ.RetryInterval == "" {
		config.RabbitMQ.RetryInterval = "5s"
	}
	if config.RabbitMQ.RebuildWorkers == 0 {
		config.RabbitMQ.RebuildWorkers = 1
	}
	if config.RabbitMQ.PrefetchCount == 0 {
		config.RabbitMQ.PrefetchCount = 1
	}
	if config.MinIO.CVBucket == "" {
		config.MinIO.CVBucket = "cv-files"
	}
	if config.Embedding.Model == "" {
		config.Embedding.Model = "text-embedding-3-small"
	}
	if config.Embedding.TimeoutSeconds == 0 {
		config.Embedding.TimeoutSeconds = 30
	}
	if config.Analyzer.TimeoutSeconds == 0 {
		config.Analyzer.TimeoutSeconds = 60
	}
	if config.Redis.MD5RecordExpireDays == 0 {
		config.Redis.MD5RecordExpireDays = 30
	}
	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = "cv-match-go"
	}
	if config.Tracing.SampleRatio == 0 {
		config.Tracing.SampleRatio = 1.0
	}
	if config.Metrics.Address == "" {
		config.Metrics.Address = ":9090"
	}

	r := &config.Ranking
	if r.Alpha == 0 && r.WeightSkills == 0 && r.WeightExperience == 0 &&
		r.WeightEducation == 0 && r.WeightLanguages == 0 && r.Threshold == 0 {
		r.Alpha = 0.7
		r.WeightSkills = 0.45
		r.WeightExperience = 0.2
		r.WeightEducation = 0.35
		r.WeightLanguages = 0
		r.Threshold = 87
	}
	if r.RebuildMode == "" {
		r.RebuildMode = "purge"
	}
}

// Validate rejects unusable weight configurations. Called at load time so
// scoring never sees a bad model.
func (r RankingConfig) Validate() error {
	if r.Alpha < 0 || r.Alpha > 1 {
		return fmt.Errorf("alpha must be in [0,1], got %v", r.Alpha)
	}
	for name, w := range map[string]float32{
		"weight_skills":     r.WeightSkills,
		"weight_experience": r.WeightExperience,
		"weight_education":  r.WeightEducation,
		"weight_languages":  r.WeightLanguages,
	} {
		if w < 0 {
			return fmt.Errorf("%s must be non-negative, got %v", name, w)
		}
	}
	if r.Threshold < 0 || r.Threshold > 100 {
		return fmt.Errorf("threshold must be in [0,100], got %d", r.Threshold)
	}
	if r.RebuildMode != "purge" && r.RebuildMode != "overwrite" {
		return fmt.Errorf("rebuild_mode must be \"purge\" or \"overwrite\", got %q", r.RebuildMode)
	}
	return nil
}

// GetDuration parses durationStr, falling back to defaultDuration.
func GetDuration(durationStr string, defaultDuration time.Duration) time.Duration {
	if durationStr == "" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return defaultDuration
	}
	return d
}
