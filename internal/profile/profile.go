package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start main server.
type Profile struct {
	// Document store (MongoDB)
	MongoURI                   string
	MongoDatabase              string
	MongoMinPoolSize           int
	MongoMaxPoolSize           int
	MongoConnectTimeoutSeconds int

	// Relational store. Driver is "sqlite" or "postgres".
	RelationalDriver    string
	SQLitePath          string
	SQLiteBusyTimeoutMS int
	PostgresDSN         string

	// Event bus (Redis pub/sub + durable local queue)
	RedisURL             string
	RedisPassword        string
	RedisMaxConnections  int
	RedisRetryOnTimeout  bool
	QueueMaxSize         int
	QueuePersistenceFile string

	// Channel administration
	MainChannel           string
	RequiredReactionEmoji string

	// Telegram bot credentials for the outbound sender
	BotToken string
	BotName  string

	// Gamification API client
	GamificationAPIURL         string
	GamificationTimeoutSeconds int

	// Process-level settings bound by flags/viper
	Mode    string
	Addr    string
	Data    string
	Version string
	Port    int
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultBool returns environment variable value as bool or default value.
func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.MongoURI = getEnvOrDefault("MONGODB_URI", "mongodb://localhost:27017")
	p.MongoDatabase = getEnvOrDefault("MONGODB_DATABASE", "yabot")
	p.MongoMinPoolSize = getEnvOrDefaultInt("MONGODB_MIN_POOL_SIZE", 0)
	p.MongoMaxPoolSize = getEnvOrDefaultInt("MONGODB_MAX_POOL_SIZE", 10)
	p.MongoConnectTimeoutSeconds = getEnvOrDefaultInt("MONGODB_CONNECT_TIMEOUT_SECONDS", 5)

	p.RelationalDriver = getEnvOrDefault("YABOT_RELATIONAL_DRIVER", "sqlite")
	p.SQLitePath = getEnvOrDefault("SQLITE_DATABASE_PATH", "")
	p.SQLiteBusyTimeoutMS = getEnvOrDefaultInt("SQLITE_BUSY_TIMEOUT_MS", 10000)
	p.PostgresDSN = getEnvOrDefault("POSTGRES_DSN", "")

	p.RedisURL = getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0")
	p.RedisPassword = getEnvOrDefault("REDIS_PASSWORD", "")
	p.RedisMaxConnections = getEnvOrDefaultInt("REDIS_MAX_CONNECTIONS", 10)
	p.RedisRetryOnTimeout = getEnvOrDefaultBool("REDIS_RETRY_ON_TIMEOUT", true)
	p.QueueMaxSize = getEnvOrDefaultInt("REDIS_LOCAL_QUEUE_MAX_SIZE", 1000)
	p.QueuePersistenceFile = getEnvOrDefault("REDIS_LOCAL_QUEUE_PERSISTENCE_FILE", "")

	p.MainChannel = getEnvOrDefault("MAIN_CHANNEL", "")
	p.RequiredReactionEmoji = getEnvOrDefault("REQUIRED_REACTION_EMOJI", "👍")

	p.BotToken = getEnvOrDefault("BOT_TOKEN", "")
	p.BotName = getEnvOrDefault("BOT_NAME", "yabot")

	p.GamificationAPIURL = getEnvOrDefault("GAMIFICATION_API_URL", "")
	p.GamificationTimeoutSeconds = getEnvOrDefaultInt("GAMIFICATION_TIMEOUT_SECONDS", 10)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "yabot")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/yabot"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	switch p.RelationalDriver {
	case "sqlite":
		if p.SQLitePath == "" {
			dbFile := fmt.Sprintf("yabot_%s.db", p.Mode)
			p.SQLitePath = filepath.Join(dataDir, dbFile)
		}
	case "postgres":
		if p.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required when YABOT_RELATIONAL_DRIVER is postgres")
		}
	default:
		return errors.Errorf("unknown relational driver %q, expected sqlite or postgres", p.RelationalDriver)
	}

	if p.QueueMaxSize <= 0 {
		return errors.Errorf("local queue max size must be positive, got %d", p.QueueMaxSize)
	}
	if p.QueuePersistenceFile == "" {
		p.QueuePersistenceFile = filepath.Join(dataDir, "event_queue.jsonl")
	}

	return nil
}
