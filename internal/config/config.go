package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type LaunchStoreKind string

const (
	LaunchStoreSQL    LaunchStoreKind = "sql"
	LaunchStoreRedis  LaunchStoreKind = "redis"
	LaunchStoreMemory LaunchStoreKind = "memory"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string // sqlite|postgres
	DBDSN    string

	LaunchStore  LaunchStoreKind
	RedisURL     string
	LaunchTTL    time.Duration
	ReapInterval time.Duration

	// JWKS cache
	JWKSCacheTTL       time.Duration
	JWKSFetchTimeout   time.Duration
	JWKSFailureBackoff time.Duration
	JWKSMinRefresh     time.Duration

	ClockSkew time.Duration

	// LTI 1.3 / OIDC (Tool-side)
	LTIRedirectURI string
	AppSuccessURL  string
	AppSessionTTL  time.Duration // 0 = sessions never expire on their own

	ToolKeyFile         string
	ToolKeyPEM          string
	ToolKeyID           string
	ToolPreviousKeyFile string

	DeploymentsFile string

	AuditSQL          bool
	AuditAMQPURL      string
	AuditAMQPExchange string

	CORSOrigins     []string
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// SetDefaults registers every key with its default so AutomaticEnv can see it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("PUBLIC_URL", "http://localhost:8080")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("LAUNCH_STORE", string(LaunchStoreSQL))
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("LAUNCH_TTL", 10*time.Minute)
	v.SetDefault("REAP_INTERVAL", time.Minute)
	v.SetDefault("JWKS_CACHE_TTL", time.Hour)
	v.SetDefault("JWKS_FETCH_TIMEOUT", 10*time.Second)
	v.SetDefault("JWKS_FAILURE_BACKOFF", 30*time.Second)
	v.SetDefault("JWKS_MIN_REFRESH", time.Minute)
	v.SetDefault("CLOCK_SKEW", time.Minute)
	v.SetDefault("LTI_REDIRECT_URI", "")
	v.SetDefault("APP_SUCCESS_URL", "")
	v.SetDefault("APP_SESSION_TTL", 0)
	v.SetDefault("TOOL_KEY_FILE", "")
	v.SetDefault("TOOL_KEY_PEM", "")
	v.SetDefault("TOOL_KEY_ID", "")
	v.SetDefault("TOOL_PREVIOUS_KEY_FILE", "")
	v.SetDefault("DEPLOYMENTS_FILE", "")
	v.SetDefault("AUDIT_SQL", true)
	v.SetDefault("AUDIT_AMQP_URL", "")
	v.SetDefault("AUDIT_AMQP_EXCHANGE", "lti.audit")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
}

// FromViper builds a Config from v. Derived URLs (redirect, success) default
// off PUBLIC_URL when unset.
func FromViper(v *viper.Viper) (Config, error) {
	pub := strings.TrimSuffix(strings.TrimSpace(v.GetString("PUBLIC_URL")), "/")

	c := Config{
		HTTPAddr:  v.GetString("HTTP_ADDR"),
		PublicURL: pub,

		DBDriver: strings.ToLower(v.GetString("DB_DRIVER")),
		DBDSN:    v.GetString("DB_DSN"),

		LaunchStore:  LaunchStoreKind(strings.ToLower(v.GetString("LAUNCH_STORE"))),
		RedisURL:     v.GetString("REDIS_URL"),
		LaunchTTL:    v.GetDuration("LAUNCH_TTL"),
		ReapInterval: v.GetDuration("REAP_INTERVAL"),

		JWKSCacheTTL:       v.GetDuration("JWKS_CACHE_TTL"),
		JWKSFetchTimeout:   v.GetDuration("JWKS_FETCH_TIMEOUT"),
		JWKSFailureBackoff: v.GetDuration("JWKS_FAILURE_BACKOFF"),
		JWKSMinRefresh:     v.GetDuration("JWKS_MIN_REFRESH"),
		ClockSkew:          v.GetDuration("CLOCK_SKEW"),

		LTIRedirectURI: v.GetString("LTI_REDIRECT_URI"),
		AppSuccessURL:  v.GetString("APP_SUCCESS_URL"),
		AppSessionTTL:  v.GetDuration("APP_SESSION_TTL"),

		ToolKeyFile:         v.GetString("TOOL_KEY_FILE"),
		ToolKeyPEM:          v.GetString("TOOL_KEY_PEM"),
		ToolKeyID:           v.GetString("TOOL_KEY_ID"),
		ToolPreviousKeyFile: v.GetString("TOOL_PREVIOUS_KEY_FILE"),

		DeploymentsFile: v.GetString("DEPLOYMENTS_FILE"),

		AuditSQL:          v.GetBool("AUDIT_SQL"),
		AuditAMQPURL:      v.GetString("AUDIT_AMQP_URL"),
		AuditAMQPExchange: v.GetString("AUDIT_AMQP_EXCHANGE"),

		CORSOrigins:     csv(v.GetString("CORS_ORIGINS")),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
	}
	if c.LTIRedirectURI == "" && pub != "" {
		c.LTIRedirectURI = pub + "/lti/launch"
	}
	if c.AppSuccessURL == "" && pub != "" {
		c.AppSuccessURL = pub + "/app"
	}
	return c, c.Validate()
}

// Validate rejects inconsistent combinations.
func (c Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pg", "pgx":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER %q: expected sqlite|postgres", c.DBDriver))
	}
	switch c.LaunchStore {
	case LaunchStoreSQL, LaunchStoreMemory:
	case LaunchStoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("LAUNCH_STORE=redis requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("LAUNCH_STORE %q: expected sql|redis|memory", c.LaunchStore))
	}
	if c.LaunchTTL <= 0 {
		errs = append(errs, errors.New("LAUNCH_TTL must be positive"))
	}
	if c.JWKSCacheTTL <= 0 || c.JWKSFetchTimeout <= 0 {
		errs = append(errs, errors.New("JWKS_CACHE_TTL and JWKS_FETCH_TIMEOUT must be positive"))
	}
	if c.ClockSkew < 0 {
		errs = append(errs, errors.New("CLOCK_SKEW must not be negative"))
	}
	if c.AppSessionTTL < 0 {
		errs = append(errs, errors.New("APP_SESSION_TTL must not be negative"))
	}
	if c.ToolKeyFile != "" && c.ToolKeyPEM != "" {
		errs = append(errs, errors.New("set only one of TOOL_KEY_FILE and TOOL_KEY_PEM"))
	}
	for name, raw := range map[string]string{"LTI_REDIRECT_URI": c.LTIRedirectURI, "APP_SUCCESS_URL": c.AppSuccessURL} {
		if raw == "" {
			errs = append(errs, fmt.Errorf("%s is required (or set PUBLIC_URL)", name))
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", name, raw))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func csv(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
