package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Store       StoreConfig
	Redis       RedisConfig
	Database    DatabaseConfig
	Kafka       KafkaConfig
	TCPServer   TCPServerConfig
	HTTP        HTTPConfig
	Patrol      PatrolConfig
	Analysis    AnalysisConfig
	SMTP        SMTPConfig
	Aggregation AggregationConfig
	Logging     LoggingConfig
}

// StoreConfig selects the durable key-value backend for patrol state.
type StoreConfig struct {
	Backend   string // badger, redis, memory
	BadgerDir string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	TopicEvents   string
	NumPartitions int
	BatchSize     int
	BatchTimeout  time.Duration
}

type TCPServerConfig struct {
	Port              int
	MaxConnections    int
	IdentifyTimeout   time.Duration
	InactivityTimeout time.Duration
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	AnalysisRPM     int
}

type PatrolConfig struct {
	// StartPolicy decides what Start does when the guard already has an
	// active patrol: "reject" or "resume".
	StartPolicy     string
	CheckpointsFile string
}

type AnalysisConfig struct {
	APIKey        string
	Model         string
	Endpoint      string
	Timeout       time.Duration
	ProbeInterval time.Duration
	ForceOffline  bool
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

type AggregationConfig struct {
	DailyTime string // HH:MM, local time
}

type LoggingConfig struct {
	Level  string
	Format string
	Caller bool
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Store: StoreConfig{
			Backend:   strings.ToLower(getEnv("STORE_BACKEND", "badger")),
			BadgerDir: getEnv("STORE_BADGER_DIR", "data/patrol"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "patrol_user"),
			Password: getEnv("DB_PASSWORD", "patrol_pass"),
			DBName:   getEnv("DB_NAME", "patrol_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Enabled:       getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:       strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicEvents:   getEnv("KAFKA_TOPIC_EVENTS", "patrol.events"),
			NumPartitions: getEnvAsInt("KAFKA_NUM_PARTITIONS", 6),
			BatchSize:     getEnvAsInt("KAFKA_BATCH_SIZE", 50),
			BatchTimeout:  getEnvAsDuration("KAFKA_BATCH_TIMEOUT", 5*time.Second),
		},
		TCPServer: TCPServerConfig{
			Port:              getEnvAsInt("TCP_PORT", 7070),
			MaxConnections:    getEnvAsInt("TCP_MAX_CONNECTIONS", 500),
			IdentifyTimeout:   getEnvAsDuration("TCP_IDENTIFY_TIMEOUT", 10*time.Second),
			InactivityTimeout: getEnvAsDuration("TCP_INACTIVITY_TIMEOUT", 2*time.Minute),
		},
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 5*time.Second),
			AnalysisRPM:     getEnvAsInt("HTTP_ANALYSIS_RPM", 10),
		},
		Patrol: PatrolConfig{
			StartPolicy:     strings.ToLower(getEnv("PATROL_START_POLICY", "reject")),
			CheckpointsFile: getEnv("CHECKPOINTS_FILE", ""),
		},
		Analysis: AnalysisConfig{
			APIKey:        getEnv("ANALYSIS_API_KEY", os.Getenv("API_KEY")),
			Model:         getEnv("ANALYSIS_MODEL", "gemini-3-pro-preview"),
			Endpoint:      getEnv("ANALYSIS_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta"),
			Timeout:       getEnvAsDuration("ANALYSIS_TIMEOUT", 60*time.Second),
			ProbeInterval: getEnvAsDuration("ANALYSIS_PROBE_INTERVAL", 30*time.Second),
			ForceOffline:  getEnvAsBool("ANALYSIS_FORCE_OFFLINE", false),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "patrol@example.com"),
			To:       getEnv("SMTP_TO", "supervisor@example.com"),
		},
		Aggregation: AggregationConfig{
			DailyTime: getEnv("AGGREGATION_DAILY_TIME", "00:05"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Caller: getEnvAsBool("LOG_CALLER", false),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects values the services cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "badger", "redis", "memory":
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q (want badger, redis or memory)", c.Store.Backend)
	}
	switch c.Patrol.StartPolicy {
	case "reject", "resume":
	default:
		return fmt.Errorf("invalid PATROL_START_POLICY %q (want reject or resume)", c.Patrol.StartPolicy)
	}
	if c.Store.Backend == "badger" && c.Store.BadgerDir == "" {
		return fmt.Errorf("STORE_BADGER_DIR is required for the badger backend")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Brokers[0] == "") {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED=true")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
