package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
}

type ServerConfig struct {
	Port string
	Host string
}

type DatabaseConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	URL string
}

type SchedulerConfig struct {
	ConfigPath      string
	ShutdownTimeout time.Duration
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnv("HTTP_PORT", "8080"),
			Host: getEnv("HTTP_HOST", ""),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "scheduler"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "scheduler"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Scheduler: SchedulerConfig{
			ConfigPath:      getEnv("SCHEDULER_CONFIG", "scheduler.yaml"),
			ShutdownTimeout: time.Duration(getEnvAsInt("SHUTDOWN_TIMEOUT", 30)) * time.Second,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// HasDatabase reports whether a database connection is configured
func (c *Config) HasDatabase() bool {
	return c.Database.URL != "" || c.Database.Host != ""
}

// DatabaseURL returns DATABASE_URL, or one built from the DB_* parts. It is
// empty when no database is configured.
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	if c.Database.Host == "" {
		return ""
	}

	return "postgres://" + c.Database.User + ":" + c.Database.Password +
		"@" + c.Database.Host + ":" + c.Database.Port +
		"/" + c.Database.DBName + "?sslmode=" + c.Database.SSLMode
}

// Addr is the HTTP listen address
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}
