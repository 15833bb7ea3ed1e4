package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with DOCQA_CONFIG.
var ConfigPath = envOr("DOCQA_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// databaseDriver is postgres, mysql or memory.
	DatabaseDriver string `yaml:"databaseDriver"`
	DatabaseURL    string `yaml:"databaseURL"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`
	SessionTTL  string `yaml:"sessionTTL"`

	// blobBackend is minio or file.
	BlobBackend    string `yaml:"blobBackend"`
	DataDir        string `yaml:"dataDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	// indexBackend is pgvector or chromem.
	IndexBackend string `yaml:"indexBackend"`
	ChromemDir   string `yaml:"chromemDir"`

	ModelProvider   string `yaml:"modelProvider"`
	ModelAPIKey     string `yaml:"modelApiKey"`
	ModelBaseURL    string `yaml:"modelBaseURL"`
	GenerationModel string `yaml:"generationModel"`
	EmbeddingModel  string `yaml:"embeddingModel"`
	EmbeddingDim    int    `yaml:"embeddingDim"`
	ModelTimeout    string `yaml:"modelTimeout"`
	RetrievalTopK   int    `yaml:"retrievalTopK"`

	ChunkSize            int   `yaml:"chunkSize"`
	ChunkOverlap         int   `yaml:"chunkOverlap"`
	EmbeddingBatchSize   int   `yaml:"embeddingBatchSize"`
	EmbeddingConcurrency int   `yaml:"embeddingConcurrency"`
	MaxUploadBytes       int64 `yaml:"maxUploadBytes"`

	// queueBackend is redis, rabbitmq or none.
	QueueBackend      string `yaml:"queueBackend"`
	QueueStream       string `yaml:"queueStream"`
	RabbitMQURL       string `yaml:"rabbitmqURL"`
	QueueMaxRetries   int    `yaml:"queueMaxRetries"`
	WorkerConcurrency int    `yaml:"workerConcurrency"`
	StaleAfter        string `yaml:"staleAfter"`
	SweepInterval     string `yaml:"sweepInterval"`

	AllowedOrigins             []string `yaml:"allowedOrigins"`
	TrustedProxyCIDRs          []string `yaml:"trustedProxyCidrs"`
	SignupRateLimitPerMinute   int      `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute    int      `yaml:"loginRateLimitPerMinute"`
	UploadRateLimitPerMinute   int      `yaml:"uploadRateLimitPerMinute"`
	QuestionRateLimitPerMinute int      `yaml:"questionRateLimitPerMinute"`
}

// Load reads config from path (defaults to ConfigPath), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseDriver, "DATABASE_DRIVER")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")
	setString(&cfg.BlobBackend, "DOCQA_BLOB_BACKEND")
	setString(&cfg.DataDir, "DOCQA_DATA_DIR")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	setBool(&cfg.MinioUseSSL, "MINIO_USE_SSL")
	setString(&cfg.IndexBackend, "DOCQA_INDEX_BACKEND")
	setString(&cfg.ChromemDir, "DOCQA_CHROMEM_DIR")
	setString(&cfg.ModelProvider, "DOCQA_MODEL_PROVIDER")
	setString(&cfg.ModelBaseURL, "DOCQA_MODEL_BASE_URL")
	setString(&cfg.GenerationModel, "DOCQA_GENERATION_MODEL")
	setString(&cfg.EmbeddingModel, "DOCQA_EMBEDDING_MODEL")
	setInt(&cfg.EmbeddingDim, "DOCQA_EMBEDDING_DIM")
	setString(&cfg.ModelTimeout, "DOCQA_MODEL_TIMEOUT")
	setInt(&cfg.ChunkSize, "DOCQA_CHUNK_SIZE")
	setInt(&cfg.ChunkOverlap, "DOCQA_CHUNK_OVERLAP")
	setString(&cfg.QueueBackend, "DOCQA_QUEUE_BACKEND")
	setString(&cfg.RabbitMQURL, "RABBITMQ_URL")
	setInt(&cfg.WorkerConcurrency, "DOCQA_WORKER_CONCURRENCY")
	if v := os.Getenv("DOCQA_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("DOCQA_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("DOCQA_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	setInt(&cfg.SignupRateLimitPerMinute, "DOCQA_SIGNUP_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.LoginRateLimitPerMinute, "DOCQA_LOGIN_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.UploadRateLimitPerMinute, "DOCQA_UPLOAD_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.QuestionRateLimitPerMinute, "DOCQA_QUESTION_RATE_LIMIT_PER_MINUTE")

	// provider keys are read from their conventional variables
	for _, key := range []string{"DOCQA_MODEL_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			cfg.ModelAPIKey = v
			break
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	defaultString(&cfg.DatabaseDriver, "postgres")
	defaultString(&cfg.BlobBackend, "minio")
	defaultString(&cfg.IndexBackend, "pgvector")
	defaultString(&cfg.ModelProvider, "gemini")
	defaultString(&cfg.QueueBackend, "redis")
	defaultString(&cfg.SessionTTL, "24h")
	defaultString(&cfg.ModelTimeout, "2m")
	defaultString(&cfg.StaleAfter, "15m")
	defaultString(&cfg.SweepInterval, "5m")
	defaultString(&cfg.DataDir, "data")
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = 200
	}
	if cfg.RetrievalTopK == 0 {
		cfg.RetrievalTopK = 4
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown databaseDriver %q", cfg.DatabaseDriver)
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if len(cfg.JWTSecret) < 32 {
		return errors.New("config: jwtSecret of at least 32 bytes is required (set in config.yaml or JWT_SECRET)")
	}
	switch cfg.BlobBackend {
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for the minio blob backend")
		}
	case "file":
	default:
		return fmt.Errorf("config: unknown blobBackend %q", cfg.BlobBackend)
	}
	switch cfg.IndexBackend {
	case "pgvector":
		if cfg.DatabaseDriver != "postgres" {
			return errors.New("config: indexBackend pgvector requires databaseDriver postgres")
		}
	case "chromem":
	default:
		return fmt.Errorf("config: unknown indexBackend %q", cfg.IndexBackend)
	}
	switch cfg.QueueBackend {
	case "redis", "none":
	case "rabbitmq":
		if strings.TrimSpace(cfg.RabbitMQURL) == "" {
			return errors.New("config: rabbitmqURL is required for the rabbitmq queue")
		}
	default:
		return fmt.Errorf("config: unknown queueBackend %q", cfg.QueueBackend)
	}
	// the reindexer runs as its own process and must see the same state
	if cfg.QueueBackend != "none" {
		if cfg.DatabaseDriver == "memory" {
			return errors.New("config: databaseDriver memory requires queueBackend none")
		}
		if cfg.IndexBackend == "chromem" && strings.TrimSpace(cfg.ChromemDir) == "" {
			return errors.New("config: an in-memory chromem index (no chromemDir) requires queueBackend none")
		}
	}
	if cfg.GenerationModel == "" || cfg.EmbeddingModel == "" {
		return errors.New("config: generationModel and embeddingModel are required")
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return errors.New("config: chunkOverlap must be smaller than chunkSize")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.UploadRateLimitPerMinute < 0 || cfg.QuestionRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	for name, value := range map[string]string{
		"sessionTTL":    cfg.SessionTTL,
		"modelTimeout":  cfg.ModelTimeout,
		"staleAfter":    cfg.StaleAfter,
		"sweepInterval": cfg.SweepInterval,
		"jwtLeeway":     cfg.JWTLeeway,
	} {
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// ParseDuration parses an optional duration; an empty value is zero.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return d, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func defaultString(dst *string, value string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = value
	}
}
