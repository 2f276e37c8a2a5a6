package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	CORS          CORSConfig
	Log           LogConfig
	Normalization NormalizationConfig
	Status        StatusConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// NormalizationConfig tunes the batch and incremental normalization paths.
type NormalizationConfig struct {
	DefaultThreshold    float64
	ChunkSize           int
	Workers             int
	Retries             int
	ScanInterval        time.Duration
	IncrementalRanks    bool
	RankStalenessWindow time.Duration
}

// StatusConfig governs caching of admin status payloads.
type StatusConfig struct {
	CacheTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("ENABLE_REDIS"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	threshold := v.GetFloat64("NORMALIZATION_DEFAULT_THRESHOLD")
	if threshold <= 0 {
		threshold = 5
	}
	chunk := v.GetInt("NORMALIZATION_CHUNK_SIZE")
	if chunk <= 0 {
		chunk = 1000
	}
	cfg.Normalization = NormalizationConfig{
		DefaultThreshold:    threshold,
		ChunkSize:           chunk,
		Workers:             v.GetInt("NORMALIZATION_WORKERS"),
		Retries:             v.GetInt("NORMALIZATION_RETRIES"),
		ScanInterval:        parseDuration(v.GetString("NORMALIZATION_SCAN_INTERVAL"), 5*time.Minute),
		IncrementalRanks:    v.GetBool("NORMALIZATION_INCREMENTAL_RANKS"),
		RankStalenessWindow: parseDuration(v.GetString("RANK_STALENESS_WINDOW"), 15*time.Minute),
	}

	cfg.Status = StatusConfig{
		CacheTTL: parseDuration(v.GetString("STATUS_CACHE_TTL"), time.Minute),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects tuning values the normalization pipeline cannot run with.
func (c *Config) validate() error {
	n := c.Normalization
	switch {
	case n.DefaultThreshold > 100:
		return fmt.Errorf("NORMALIZATION_DEFAULT_THRESHOLD must be a percentage, got %v", n.DefaultThreshold)
	case n.Workers < 1:
		return fmt.Errorf("NORMALIZATION_WORKERS must be at least 1, got %d", n.Workers)
	case n.Retries < 0:
		return fmt.Errorf("NORMALIZATION_RETRIES must not be negative, got %d", n.Retries)
	case n.ScanInterval < 0:
		return fmt.Errorf("NORMALIZATION_SCAN_INTERVAL must not be negative, got %s", n.ScanInterval)
	case c.Database.MaxOpenConns > 0 && c.Database.MaxOpenConns < 2:
		// a batch run pins one connection for its snapshot
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 2, got %d", c.Database.MaxOpenConns)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "exam_normalization")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("ENABLE_REDIS", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("NORMALIZATION_DEFAULT_THRESHOLD", 5)
	v.SetDefault("NORMALIZATION_CHUNK_SIZE", 1000)
	v.SetDefault("NORMALIZATION_WORKERS", 1)
	v.SetDefault("NORMALIZATION_RETRIES", 1)
	v.SetDefault("NORMALIZATION_SCAN_INTERVAL", "5m")
	v.SetDefault("NORMALIZATION_INCREMENTAL_RANKS", true)
	v.SetDefault("RANK_STALENESS_WINDOW", "15m")

	v.SetDefault("STATUS_CACHE_TTL", "1m")
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
