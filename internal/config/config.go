// Package config loads server configuration from the environment and an
// optional .env file. Environment variables win over the file, which wins
// over defaults.
//
// Keys:
//   - STORE_TYPE: "postgres" (default) or "memory".
//   - DATABASE_URL: PostgreSQL connection string, required for postgres.
//   - API_KEYS: "id:bcrypt-hash,..." accepted by the memory store.
//   - HTTP_ADDR, GRPC_ADDR: listen addresses (":8080", ":9090").
//   - LOG_LEVEL, LOG_FORMAT: slog level and "json" or "text".
//   - AUTH_RATE_LIMIT: failed auth attempts per minute per IP (10).
//   - MAX_JSON_BODY_SIZE: request body limit in bytes (1MiB).
//   - CACHE_RESYNC_INTERVAL: safety-net rule cache refresh (1m).
//   - NOTIFY_CHANNEL: Postgres channel for rule invalidation.
//   - FEE_LABEL, HONOR_ACTIVE_WINDOW, STRICT_EVALUATION, FRESH_READS: fee
//     calculation behaviour.
//   - ADMIN_HOSTNAME, TS_AUTH_KEY, TS_STATE_DIR: admin portal over tsnet.
//   - ADMIN_ADDR: admin portal on a plain listener instead of tsnet.
//   - ADMIN_SECRET, NONCE_TTL: admin nonce signing, secret required with
//     either admin listener.
//   - ADMIN_USERNAME, ADMIN_PASSWORD_HASH: the admin login ("admin" and an
//     Argon2id PHC hash from "cartfee hash-password"), the hash required
//     with either admin listener. Single-quote the hash in .env files.
//   - OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_SERVICE_NAME, OTEL_SAMPLE_RATIO.
//   - SHUTDOWN_TIMEOUT: graceful shutdown budget (10s).
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreTypePostgres = "postgres"
	StoreTypeMemory   = "memory"

	defaultHTTPAddr                  = ":8080"
	defaultGRPCAddr                  = ":9090"
	defaultTSStateDir                = "tsnet-state"
	defaultAuthRateLimit             = 10
	defaultMaxJSONBodySize     int64 = 1 << 20
	defaultCacheResyncInterval       = time.Minute
	defaultNotifyChannel             = "fee_rule_events"
	defaultFeeLabel                  = "Conditional fee:"
	defaultNonceTTL                  = 12 * time.Hour
	defaultAdminUsername             = "admin"
	defaultShutdownTimeout           = 10 * time.Second
	minAdminSecretLength             = 32
)

// Config holds the runtime configuration for the cartfee server.
type Config struct {
	StoreType   string
	DatabaseURL string
	APIKeys     map[string]string
	// SeedRulesFile is a YAML rule set loaded into the memory store at start.
	SeedRulesFile string

	HTTPAddr        string
	GRPCAddr        string
	LogLevel        string
	LogFormat       string
	AuthRateLimit   int
	MaxJSONBodySize int64
	ShutdownTimeout time.Duration

	CacheResyncInterval time.Duration
	NotifyChannel       string
	FeeLabel            string
	HonorActiveWindow   bool
	StrictEvaluation    bool
	FreshReads          bool

	AdminHostname string
	AdminAddr     string
	TSAuthKey     string
	TSStateDir    string
	AdminSecret   string
	NonceTTL      time.Duration

	AdminUsername     string
	AdminPasswordHash string

	OTLPEndpoint     string
	OTelServiceName  string
	TraceSampleRatio float64
}

// AdminEnabled reports whether either admin listener is configured.
func (c Config) AdminEnabled() bool {
	return c.AdminHostname != "" || c.AdminAddr != ""
}

// ValidationError names the key that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed [%s]: %s", e.Field, e.Message)
}

// Load reads configuration from ".env" (if present) and the environment.
func Load() (Config, error) {
	return LoadFile(".env")
}

// LoadFile reads configuration from the given dotenv file (ignored when
// missing) and the environment, then validates it.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	_ = v.ReadInConfig()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		StoreType:         strings.ToLower(str(v, "STORE_TYPE")),
		DatabaseURL:       str(v, "DATABASE_URL"),
		SeedRulesFile:     str(v, "SEED_RULES_FILE"),
		HTTPAddr:          str(v, "HTTP_ADDR"),
		GRPCAddr:          str(v, "GRPC_ADDR"),
		LogLevel:          str(v, "LOG_LEVEL"),
		LogFormat:         str(v, "LOG_FORMAT"),
		NotifyChannel:     str(v, "NOTIFY_CHANNEL"),
		FeeLabel:          str(v, "FEE_LABEL"),
		AdminHostname:     str(v, "ADMIN_HOSTNAME"),
		AdminAddr:         str(v, "ADMIN_ADDR"),
		TSAuthKey:         str(v, "TS_AUTH_KEY"),
		TSStateDir:        str(v, "TS_STATE_DIR"),
		AdminSecret:       str(v, "ADMIN_SECRET"),
		AdminUsername:     str(v, "ADMIN_USERNAME"),
		AdminPasswordHash: str(v, "ADMIN_PASSWORD_HASH"),
		OTLPEndpoint:      str(v, "OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelServiceName:   str(v, "OTEL_SERVICE_NAME"),
	}

	var err error
	if cfg.APIKeys, err = parseAPIKeys(str(v, "API_KEYS")); err != nil {
		return Config{}, err
	}
	if cfg.AuthRateLimit, err = positiveInt(v, "AUTH_RATE_LIMIT"); err != nil {
		return Config{}, err
	}
	if cfg.MaxJSONBodySize, err = positiveInt64(v, "MAX_JSON_BODY_SIZE"); err != nil {
		return Config{}, err
	}
	if cfg.CacheResyncInterval, err = positiveDuration(v, "CACHE_RESYNC_INTERVAL"); err != nil {
		return Config{}, err
	}
	if cfg.NonceTTL, err = positiveDuration(v, "NONCE_TTL"); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = positiveDuration(v, "SHUTDOWN_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if cfg.HonorActiveWindow, err = boolean(v, "HONOR_ACTIVE_WINDOW"); err != nil {
		return Config{}, err
	}
	if cfg.StrictEvaluation, err = boolean(v, "STRICT_EVALUATION"); err != nil {
		return Config{}, err
	}
	if cfg.FreshReads, err = boolean(v, "FRESH_READS"); err != nil {
		return Config{}, err
	}
	if cfg.TraceSampleRatio, err = ratio(v, "OTEL_SAMPLE_RATIO"); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("STORE_TYPE", StoreTypePostgres)
	v.SetDefault("HTTP_ADDR", defaultHTTPAddr)
	v.SetDefault("GRPC_ADDR", defaultGRPCAddr)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("AUTH_RATE_LIMIT", defaultAuthRateLimit)
	v.SetDefault("MAX_JSON_BODY_SIZE", defaultMaxJSONBodySize)
	v.SetDefault("CACHE_RESYNC_INTERVAL", defaultCacheResyncInterval.String())
	v.SetDefault("NOTIFY_CHANNEL", defaultNotifyChannel)
	v.SetDefault("FEE_LABEL", defaultFeeLabel)
	v.SetDefault("HONOR_ACTIVE_WINDOW", true)
	v.SetDefault("STRICT_EVALUATION", false)
	v.SetDefault("FRESH_READS", false)
	v.SetDefault("TS_STATE_DIR", defaultTSStateDir)
	v.SetDefault("NONCE_TTL", defaultNonceTTL.String())
	v.SetDefault("ADMIN_USERNAME", defaultAdminUsername)
	v.SetDefault("SHUTDOWN_TIMEOUT", defaultShutdownTimeout.String())
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.StoreType {
	case StoreTypePostgres:
		if c.DatabaseURL == "" {
			return ValidationError{Field: "DATABASE_URL", Message: "required when STORE_TYPE=postgres"}
		}
	case StoreTypeMemory:
	default:
		return ValidationError{Field: "STORE_TYPE", Message: fmt.Sprintf("must be %q or %q, got %q", StoreTypePostgres, StoreTypeMemory, c.StoreType)}
	}
	if c.HTTPAddr == "" {
		return ValidationError{Field: "HTTP_ADDR", Message: "cannot be empty"}
	}
	if c.GRPCAddr == "" {
		return ValidationError{Field: "GRPC_ADDR", Message: "cannot be empty"}
	}
	if c.AdminEnabled() {
		if c.AdminSecret == "" {
			return ValidationError{Field: "ADMIN_SECRET", Message: "required when the admin portal is enabled"}
		}
		if len(c.AdminSecret) < minAdminSecretLength {
			return ValidationError{Field: "ADMIN_SECRET", Message: fmt.Sprintf("must be at least %d characters", minAdminSecretLength)}
		}
		if c.AdminUsername == "" {
			return ValidationError{Field: "ADMIN_USERNAME", Message: "cannot be empty when the admin portal is enabled"}
		}
		if !strings.HasPrefix(c.AdminPasswordHash, "$argon2id$") {
			return ValidationError{Field: "ADMIN_PASSWORD_HASH", Message: "an Argon2id hash is required when the admin portal is enabled"}
		}
	}
	return nil
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func positiveInt(v *viper.Viper, key string) (int, error) {
	n, err := strconv.Atoi(str(v, key))
	if err != nil || n < 1 {
		return 0, ValidationError{Field: key, Message: "must be a positive integer"}
	}
	return n, nil
}

func positiveInt64(v *viper.Viper, key string) (int64, error) {
	n, err := strconv.ParseInt(str(v, key), 10, 64)
	if err != nil || n < 1 {
		return 0, ValidationError{Field: key, Message: "must be a positive integer"}
	}
	return n, nil
}

func positiveDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(str(v, key))
	if err != nil {
		return 0, ValidationError{Field: key, Message: err.Error()}
	}
	if d <= 0 {
		return 0, ValidationError{Field: key, Message: "must be > 0"}
	}
	return d, nil
}

func boolean(v *viper.Viper, key string) (bool, error) {
	b, err := strconv.ParseBool(str(v, key))
	if err != nil {
		return false, ValidationError{Field: key, Message: "must be a boolean"}
	}
	return b, nil
}

func ratio(v *viper.Viper, key string) (float64, error) {
	f, err := strconv.ParseFloat(str(v, key), 64)
	if err != nil || f < 0 || f > 1 {
		return 0, ValidationError{Field: key, Message: "must be between 0 and 1"}
	}
	return f, nil
}

// parseAPIKeys reads "id:hash" pairs separated by commas.
func parseAPIKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for pair := range strings.SplitSeq(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, hash, ok := strings.Cut(pair, ":")
		id, hash = strings.TrimSpace(id), strings.TrimSpace(hash)
		if !ok || id == "" || hash == "" {
			return nil, ValidationError{Field: "API_KEYS", Message: fmt.Sprintf("entry %q is not id:hash", pair)}
		}
		keys[id] = hash
	}
	return keys, nil
}
