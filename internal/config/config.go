package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	OpenAI    OpenAIConfig
	Storage   StorageConfig
	Convert   ConvertConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	URL string // Postgres DSN; empty falls back to the in-memory store
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string // default voice when a request leaves it unset
	Timeout int    // seconds, per synthesis call
}

type StorageConfig struct {
	AudioPath string
}

type ConvertConfig struct {
	MaxChunkChars int
	MaxConcurrent int
	MaxRetries    int
	RetryBackoff  time.Duration
	StaleAfter    time.Duration
	KeepLatest    int
}

type RateLimitConfig struct {
	ConvertPerHour int
	CleanupPerHour int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("OPENAI_API_KEY")
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("openai.api_key", "OPENAI_API_KEY")
	_ = viper.BindEnv("openai.base_url", "OPENAI_BASE_URL")
	_ = viper.BindEnv("openai.model", "OPENAI_TTS_MODEL")
	_ = viper.BindEnv("openai.voice", "OPENAI_TTS_VOICE")
	_ = viper.BindEnv("openai.timeout", "OPENAI_TIMEOUT")
	_ = viper.BindEnv("storage.audio_path", "AUDIO_STORAGE_PATH")
	_ = viper.BindEnv("convert.max_chunk_chars", "CONVERT_MAX_CHUNK_CHARS")
	_ = viper.BindEnv("convert.max_concurrent", "CONVERT_MAX_CONCURRENT")
	_ = viper.BindEnv("convert.max_retries", "CONVERT_MAX_RETRIES")
	_ = viper.BindEnv("convert.retry_backoff_seconds", "CONVERT_RETRY_BACKOFF_SECONDS")
	_ = viper.BindEnv("convert.stale_after_minutes", "CONVERT_STALE_AFTER_MINUTES")
	_ = viper.BindEnv("convert.keep_latest", "CONVERT_KEEP_LATEST")
	_ = viper.BindEnv("ratelimit.convert_per_hour", "RATELIMIT_CONVERT_PER_HOUR")
	_ = viper.BindEnv("ratelimit.cleanup_per_hour", "RATELIMIT_CLEANUP_PER_HOUR")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// OpenAI defaults
	viper.SetDefault("openai.base_url", "https://api.openai.com/v1")
	viper.SetDefault("openai.model", "tts-1")
	viper.SetDefault("openai.voice", "alloy")
	viper.SetDefault("openai.timeout", 60)

	// Storage defaults
	home, _ := os.UserHomeDir()
	viper.SetDefault("storage.audio_path", home+"/persistent_audio_files")

	// Conversion pipeline defaults
	viper.SetDefault("convert.max_chunk_chars", 4000)
	viper.SetDefault("convert.max_concurrent", 5)
	viper.SetDefault("convert.max_retries", 3)
	viper.SetDefault("convert.retry_backoff_seconds", 1)
	viper.SetDefault("convert.stale_after_minutes", 5)
	viper.SetDefault("convert.keep_latest", 50)

	viper.SetDefault("ratelimit.convert_per_hour", 20)
	viper.SetDefault("ratelimit.cleanup_per_hour", 10)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Database: DatabaseConfig{
			URL: viper.GetString("database.url"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  viper.GetString("openai.api_key"),
			BaseURL: viper.GetString("openai.base_url"),
			Model:   viper.GetString("openai.model"),
			Voice:   viper.GetString("openai.voice"),
			Timeout: viper.GetInt("openai.timeout"),
		},
		Storage: StorageConfig{
			AudioPath: viper.GetString("storage.audio_path"),
		},
		Convert: ConvertConfig{
			MaxChunkChars: viper.GetInt("convert.max_chunk_chars"),
			MaxConcurrent: viper.GetInt("convert.max_concurrent"),
			MaxRetries:    viper.GetInt("convert.max_retries"),
			RetryBackoff:  time.Duration(viper.GetInt("convert.retry_backoff_seconds")) * time.Second,
			StaleAfter:    time.Duration(viper.GetInt("convert.stale_after_minutes")) * time.Minute,
			KeepLatest:    viper.GetInt("convert.keep_latest"),
		},
		RateLimit: RateLimitConfig{
			ConvertPerHour: viper.GetInt("ratelimit.convert_per_hour"),
			CleanupPerHour: viper.GetInt("ratelimit.cleanup_per_hour"),
		},
	}

	return cfg, nil
}
