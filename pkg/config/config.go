package config

import (
	"errors"
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

	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	CORS         CORSConfig
	Log          LogConfig
	Enrollment   EnrollmentConfig
	Availability AvailabilityConfig
	Rollover     RolloverConfig
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

// JWTConfig carries the shared secret of the identity provider issuing bearer tokens.
type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// EnrollmentConfig seeds selection limits and tunes transaction retries.
type EnrollmentConfig struct {
	DefaultMinSelections int
	DefaultMaxSelections int
	RegistrationOpen     bool
	LockConfirmed        bool
	MaxRetries           int
	RetryBackoff         time.Duration
}

// AvailabilityConfig governs the advisory seat listing cache.
type AvailabilityConfig struct {
	CacheTTL time.Duration
}

// RolloverConfig controls term rollover batching and backup handling.
type RolloverConfig struct {
	BatchSize          int
	ConfirmationPhrase string
	BackupDir          string
	BackupRetention    time.Duration
	RetentionSchedule  string
	SignedURLSecret    string
	SignedURLTTL       time.Duration
	WorkerRetries      int
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

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
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

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Issuer:     v.GetString("JWT_ISSUER"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Enrollment = EnrollmentConfig{
		DefaultMinSelections: v.GetInt("ENROLLMENT_MIN_SELECTIONS"),
		DefaultMaxSelections: v.GetInt("ENROLLMENT_MAX_SELECTIONS"),
		RegistrationOpen:     v.GetBool("ENROLLMENT_REGISTRATION_OPEN"),
		LockConfirmed:        v.GetBool("ENROLLMENT_LOCK_CONFIRMED"),
		MaxRetries:           v.GetInt("ENROLLMENT_MAX_RETRIES"),
		RetryBackoff:         parseDuration(v.GetString("ENROLLMENT_RETRY_BACKOFF"), 50*time.Millisecond),
	}

	cfg.Availability = AvailabilityConfig{
		CacheTTL: parseDuration(v.GetString("AVAILABILITY_CACHE_TTL"), 15*time.Second),
	}

	cfg.Rollover = RolloverConfig{
		BatchSize:          v.GetInt("ROLLOVER_BATCH_SIZE"),
		ConfirmationPhrase: v.GetString("ROLLOVER_CONFIRMATION_PHRASE"),
		BackupDir:          v.GetString("ROLLOVER_BACKUP_DIR"),
		BackupRetention:    parseDuration(v.GetString("ROLLOVER_BACKUP_RETENTION"), 90*24*time.Hour),
		RetentionSchedule:  v.GetString("ROLLOVER_RETENTION_SCHEDULE"),
		SignedURLSecret:    v.GetString("ROLLOVER_SIGNED_URL_SECRET"),
		SignedURLTTL:       parseDuration(v.GetString("ROLLOVER_SIGNED_URL_TTL"), 30*time.Minute),
		WorkerRetries:      v.GetInt("ROLLOVER_WORKER_RETRIES"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "cca_portal")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("ENABLE_REDIS", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENROLLMENT_MIN_SELECTIONS", 1)
	v.SetDefault("ENROLLMENT_MAX_SELECTIONS", 3)
	v.SetDefault("ENROLLMENT_REGISTRATION_OPEN", true)
	v.SetDefault("ENROLLMENT_LOCK_CONFIRMED", true)
	v.SetDefault("ENROLLMENT_MAX_RETRIES", 3)
	v.SetDefault("ENROLLMENT_RETRY_BACKOFF", "50ms")

	v.SetDefault("AVAILABILITY_CACHE_TTL", "15s")

	v.SetDefault("ROLLOVER_BATCH_SIZE", 400)
	v.SetDefault("ROLLOVER_CONFIRMATION_PHRASE", "deleteALL")
	v.SetDefault("ROLLOVER_BACKUP_DIR", "./backups")
	v.SetDefault("ROLLOVER_BACKUP_RETENTION", "2160h")
	v.SetDefault("ROLLOVER_RETENTION_SCHEDULE", "@daily")
	v.SetDefault("ROLLOVER_SIGNED_URL_SECRET", "dev_backup_secret")
	v.SetDefault("ROLLOVER_SIGNED_URL_TTL", "30m")
	v.SetDefault("ROLLOVER_WORKER_RETRIES", 1)
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
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
