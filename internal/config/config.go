package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Environment string         `json:"environment"`
	Server      ServerConfig   `json:"server"`
	Database    DatabaseConfig `json:"database"`
	Storage     StorageConfig  `json:"storage"`
	Signing     SigningConfig  `json:"signing"`
	Security    SecurityConfig `json:"security"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	Password       string `json:"password"`
	DBName         string `json:"db_name"`
	SSLMode        string `json:"ssl_mode"`
	MaxConnections int    `json:"max_connections"`
	MaxIdleConns   int    `json:"max_idle_conns"`
}

// StorageConfig selects the blob backend. "local" writes under BlobRoot,
// "s3" uses the configured bucket.
type StorageConfig struct {
	Backend  string `json:"backend"`
	BlobRoot string `json:"blob_root"`
	S3Bucket string `json:"s3_bucket"`
	S3Region string `json:"s3_region"`
}

// SigningConfig holds the tunables of the signing pipeline.
type SigningConfig struct {
	OTPTTLMinutes      int    `json:"otp_ttl_minutes"`
	InviteTTLDays      int    `json:"invite_ttl_days"`
	ShortCodeLength    int    `json:"short_code_length"`
	BcryptCost         int    `json:"bcrypt_cost"`
	ChainGenesisPrefix string `json:"chain_genesis_prefix"`
}

// SecurityConfig
type SecurityConfig struct {
	JWTSecret  string        `json:"jwt_secret"`
	SessionTTL time.Duration `json:"session_ttl"`
}

func (s SigningConfig) OTPTTL() time.Duration {
	return time.Duration(s.OTPTTLMinutes) * time.Minute
}

func (s SigningConfig) InviteTTL() time.Duration {
	return time.Duration(s.InviteTTLDays) * 24 * time.Hour
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	// .env is optional; deployments usually set the environment directly
	_ = godotenv.Load()

	config := &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "assinado",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
		},
		Storage: StorageConfig{
			Backend:  "local",
			BlobRoot: "uploads",
		},
		Signing: SigningConfig{
			OTPTTLMinutes:      10,
			InviteTTLDays:      30,
			ShortCodeLength:    6,
			BcryptCost:         10,
			ChainGenesisPrefix: "genesis_block_",
		},
		Security: SecurityConfig{
			SessionTTL: 12 * time.Hour,
		},
	}

	// Load from file if exists
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	overrideWithEnv(config)

	return config, nil
}

func overrideWithEnv(config *Config) {
	setString(&config.Environment, "APP_ENV")
	setString(&config.Server.Host, "SERVER_HOST")
	setInt(&config.Server.Port, "SERVER_PORT")

	setString(&config.Database.Host, "DATABASE_HOST")
	setInt(&config.Database.Port, "DATABASE_PORT")
	setString(&config.Database.User, "DATABASE_USER")
	setString(&config.Database.Password, "DATABASE_PASSWORD")
	setString(&config.Database.DBName, "DATABASE_DBNAME")
	setString(&config.Database.SSLMode, "DATABASE_SSLMODE")

	setString(&config.Storage.Backend, "STORAGE_BACKEND")
	setString(&config.Storage.BlobRoot, "BLOB_ROOT")
	setString(&config.Storage.S3Bucket, "S3_BUCKET")
	setString(&config.Storage.S3Region, "S3_REGION")

	setInt(&config.Signing.OTPTTLMinutes, "OTP_TTL_MINUTES")
	setInt(&config.Signing.InviteTTLDays, "INVITE_TTL_DAYS")
	setInt(&config.Signing.ShortCodeLength, "SHORTCODE_LENGTH")
	setInt(&config.Signing.BcryptCost, "BCRYPT_COST")
	setString(&config.Signing.ChainGenesisPrefix, "CHAIN_GENESIS_PREFIX")

	setString(&config.Security.JWTSecret, "JWT_SECRET")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
