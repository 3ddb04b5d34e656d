package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server   ServerConfig
	App      AppConfig
	Catalog  CatalogConfig
	Store    StoreConfig
	Oracle   OracleConfig
	Issuance IssuanceConfig
	Cache    CacheConfig
	Database DatabaseConfig
	AuditDB  AuditDBConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	RateLimitRPS    float64       `envconfig:"SERVER_RATE_LIMIT_RPS" default:"5"`
	RateLimitBurst  int           `envconfig:"SERVER_RATE_LIMIT_BURST" default:"10"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string `envconfig:"APP_NAME" default:"byorlhub-license-api"`
	Environment string `envconfig:"APP_ENV" default:"development"`
	Debug       bool   `envconfig:"APP_DEBUG" default:"false"`
	Version     string `envconfig:"APP_VERSION" default:"1.0.0"`
	AdminKey    string `envconfig:"ADMIN_KEY" default:""` // Operator endpoints key
}

// CatalogConfig holds the product catalog location.
type CatalogConfig struct {
	Path string `envconfig:"PRODUCTS_PATH" default:"./config/products.json"`
}

// StoreConfig holds remote store settings (GitHub contents API).
type StoreConfig struct {
	Token        string        `envconfig:"GITHUB_TOKEN" default:""`
	Owner        string        `envconfig:"GITHUB_OWNER" default:""`
	Repo         string        `envconfig:"GITHUB_REPO" default:""`
	Branch       string        `envconfig:"GITHUB_BRANCH" default:"main"`
	UserDataPath string        `envconfig:"STORE_USER_DATA_PATH" default:"user_data.json"`
	ClaimedPath  string        `envconfig:"STORE_CLAIMED_PATH" default:"claimed.txt"`
	MaxRetries   int           `envconfig:"STORE_MAX_RETRIES" default:"5"`
	RetryBackoff time.Duration `envconfig:"STORE_RETRY_BACKOFF" default:"250ms"`
}

// OracleConfig holds Roblox API client settings.
type OracleConfig struct {
	BaseURL           string        `envconfig:"ORACLE_BASE_URL" default:"https://economy.roblox.com/v2"`
	Timeout           time.Duration `envconfig:"ORACLE_TIMEOUT" default:"10s"`
	RetryMax          int           `envconfig:"ORACLE_RETRY_MAX" default:"2"`
	IdentityCacheTTL  time.Duration `envconfig:"ORACLE_IDENTITY_CACHE_TTL" default:"5m"`
	OwnershipCacheTTL time.Duration `envconfig:"ORACLE_OWNERSHIP_CACHE_TTL" default:"30s"`
	IdentityInterval  time.Duration `envconfig:"ORACLE_IDENTITY_INTERVAL" default:"15s"`
	OwnershipInterval time.Duration `envconfig:"ORACLE_OWNERSHIP_INTERVAL" default:"10s"`
}

// IssuanceConfig holds the issuance policy knobs.
type IssuanceConfig struct {
	KeyPrefix           string        `envconfig:"KEY_PREFIX" default:"ByorlHub"`
	MerchantID          int64         `envconfig:"MERCHANT_ID" default:"0"`
	PendingExpiry       time.Duration `envconfig:"PENDING_EXPIRY" default:"3600s"`
	ClaimWindow         time.Duration `envconfig:"CLAIM_WINDOW" default:"12h"`
	PreStartGrace       time.Duration `envconfig:"PRE_START_GRACE" default:"300s"`
	TxPollAttempts      int           `envconfig:"TX_POLL_ATTEMPTS" default:"3"`
	TxPollDelay         time.Duration `envconfig:"TX_POLL_DELAY" default:"2s"`
	TxFetchLimit        int           `envconfig:"TX_FETCH_LIMIT" default:"100"`
	MatchLoose          bool          `envconfig:"MATCH_LOOSE" default:"true"`
	MatchLooseAny       bool          `envconfig:"MATCH_LOOSE_ANY" default:"false"`
	GraceOverridesOrder bool          `envconfig:"ISSUANCE_GRACE_OVERRIDES_ORDER" default:"true"`
	OwnershipFastpath   bool          `envconfig:"ISSUANCE_OWNERSHIP_FASTPATH" default:"false"`
}

// CacheConfig holds cache settings for the oracle client.
type CacheConfig struct {
	Type string `envconfig:"CACHE_TYPE" default:"memory"`

	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

// DatabaseConfig holds MySQL connection settings (for site accounts).
type DatabaseConfig struct {
	Enabled  bool   `envconfig:"DB_ENABLED" default:"false"`
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"3306"`
	Name     string `envconfig:"DB_NAME" default:"byorlhub"`
	User     string `envconfig:"DB_USER" default:"root"`
	Password string `envconfig:"DB_PASS" default:""`
}

// AuditDBConfig holds the local issuance audit database settings.
type AuditDBConfig struct {
	Enabled bool   `envconfig:"AUDIT_DB_ENABLED" default:"true"`
	Path    string `envconfig:"AUDIT_DB_PATH" default:"./data/audit.db"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisAddress returns the Redis address in host:port format.
func (c *CacheConfig) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// DSN returns the MySQL data source name.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (a *AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
