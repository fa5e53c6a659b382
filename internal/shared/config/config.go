package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	EventStore EventStoreConfig
	Auth       AuthConfig
	Permission PermissionConfig
	HIS        HISConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// EventStoreConfig holds configuration for EventStoreDB, which carries
// domain events, permission invalidation broadcasts and the audit stream.
type EventStoreConfig struct {
	// Host is the EventStoreDB server hostname
	Host string
	// Port is the gRPC/HTTP port (default 2113)
	Port int
	// Insecure disables TLS (for development)
	Insecure bool
	// Username for authentication (optional)
	Username string
	// Password for authentication (optional)
	Password string
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// PermissionConfig bounds the staleness of the permission snapshot cache.
type PermissionConfig struct {
	// RefreshInterval is the TTL-driven refresh period; push invalidation
	// usually fires first, this is the fallback bound.
	RefreshInterval time.Duration
}

// HISConfig holds configuration for the hospital-information-system
// reference adapter (SQL Server).
type HISConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	PollInterval    time.Duration
	HospitalTable   string
	DepartmentTable string
}

func Load() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "casetrack"),
			Password: getEnv("DB_PASSWORD", "casetrack"),
			Database: getEnv("DB_NAME", "casetrack"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		EventStore: EventStoreConfig{
			Host:     getEnv("EVENTSTORE_HOST", "localhost"),
			Port:     getEnvInt("EVENTSTORE_PORT", 2113),
			Insecure: getEnvBool("EVENTSTORE_INSECURE", true),
			Username: getEnv("EVENTSTORE_USERNAME", ""),
			Password: getEnv("EVENTSTORE_PASSWORD", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
			Issuer:    getEnv("JWT_ISSUER", "casetrack"),
		},
		Permission: PermissionConfig{
			RefreshInterval: getEnvDuration("PERMISSION_REFRESH_INTERVAL", 30*time.Second),
		},
		HIS: HISConfig{
			Enabled:         getEnvBool("HIS_ENABLED", false),
			Host:            getEnv("HIS_HOST", "localhost"),
			Port:            getEnvInt("HIS_PORT", 1433),
			Database:        getEnv("HIS_DATABASE", "his"),
			User:            getEnv("HIS_USER", ""),
			Password:        getEnv("HIS_PASSWORD", ""),
			PollInterval:    getEnvDuration("HIS_POLL_INTERVAL", 5*time.Minute),
			HospitalTable:   getEnv("HIS_HOSPITAL_TABLE", "dbo.Hospitals"),
			DepartmentTable: getEnv("HIS_DEPARTMENT_TABLE", "dbo.Departments"),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}
