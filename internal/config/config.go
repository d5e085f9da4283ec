package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "SOCIALSTORE"
	defaultHTTPAddress      = "127.0.0.1:8090"
	defaultDatabaseDriver   = DriverSQLite
	defaultDatabaseDSN      = "socialstore.db"
	defaultLogLevel         = "info"
	defaultAdminIssuer      = "social-storage"
	defaultAdminAudience    = "social-storage-admin"
	defaultAdminTokenTTL    = 30 * time.Minute
	defaultNonceMaxAge      = 6 * time.Hour
	defaultCodeMaxAge       = 7 * 24 * time.Hour
	defaultPartialMaxAge    = 24 * time.Hour
	defaultNonceCacheSize   = 10000
	defaultUsernameMaxLimit = 150

	// DriverSQLite selects the pure Go sqlite driver.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the pgx backed postgres driver.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the social-storage binary.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabaseDriver    string
	DatabaseDSN       string
	LogLevel          string
	AdminSigningKey   string
	AdminIssuer       string
	AdminAudience     string
	AdminTokenTTL     time.Duration
	NonceMaxAge       time.Duration
	CodeMaxAge        time.Duration
	PartialMaxAge     time.Duration
	NonceCacheSize    int64
	UsernameMaxLength int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("admin.issuer", defaultAdminIssuer)
	configViper.SetDefault("admin.audience", defaultAdminAudience)
	configViper.SetDefault("admin.token_ttl", defaultAdminTokenTTL)
	configViper.SetDefault("prune.nonce_max_age", defaultNonceMaxAge)
	configViper.SetDefault("prune.code_max_age", defaultCodeMaxAge)
	configViper.SetDefault("prune.partial_max_age", defaultPartialMaxAge)
	configViper.SetDefault("storage.nonce_cache_size", defaultNonceCacheSize)
	configViper.SetDefault("storage.username_max_length", defaultUsernameMaxLimit)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		AdminSigningKey:   configViper.GetString("admin.signing_secret"),
		AdminIssuer:       configViper.GetString("admin.issuer"),
		AdminAudience:     configViper.GetString("admin.audience"),
		AdminTokenTTL:     configViper.GetDuration("admin.token_ttl"),
		NonceMaxAge:       configViper.GetDuration("prune.nonce_max_age"),
		CodeMaxAge:        configViper.GetDuration("prune.code_max_age"),
		PartialMaxAge:     configViper.GetDuration("prune.partial_max_age"),
		NonceCacheSize:    configViper.GetInt64("storage.nonce_cache_size"),
		UsernameMaxLength: configViper.GetInt("storage.username_max_length"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireAdminKey reports an error when no admin signing secret is configured.
// Only the commands that issue or verify admin tokens need one.
func (c AppConfig) RequireAdminKey() error {
	if strings.TrimSpace(c.AdminSigningKey) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.AdminTokenTTL <= 0 {
		return fmt.Errorf("admin.token_ttl must be positive")
	}
	if c.NonceMaxAge < 0 || c.CodeMaxAge < 0 || c.PartialMaxAge < 0 {
		return fmt.Errorf("prune ages must not be negative")
	}
	if c.UsernameMaxLength <= 0 {
		return fmt.Errorf("storage.username_max_length must be positive")
	}
	return nil
}

// splitList accepts a list from a config file or a comma or space separated env value.
func splitList(values []string) []string {
	var items []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}
