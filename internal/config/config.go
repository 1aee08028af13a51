package config

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`
	Env           string `mapstructure:"ENV"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	// MigrationsDir overrides the migrations embedded in the binary.
	MigrationsDir    string        `mapstructure:"MIGRATIONS_DIR"`
	JWTSecret        string        `mapstructure:"JWT_SECRET"`
	JWTIssuer        string        `mapstructure:"JWT_ISSUER"`
	SessionTTL       time.Duration `mapstructure:"SESSION_TTL"`
	PasswordResetTTL time.Duration `mapstructure:"PASSWORD_RESET_TTL"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`

	StorageBackend string        `mapstructure:"STORAGE_BACKEND"`
	StorageBucket  string        `mapstructure:"STORAGE_BUCKET"`
	S3Endpoint     string        `mapstructure:"S3_ENDPOINT"`
	S3AccessKey    string        `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey    string        `mapstructure:"S3_SECRET_KEY"`
	S3Region       string        `mapstructure:"S3_REGION"`
	S3UseSSL       bool          `mapstructure:"S3_USE_SSL"`
	PublicURLTTL   time.Duration `mapstructure:"PUBLIC_URL_TTL"`
	MaxUploadBytes int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	// BlobSigningSecret signs memory-store download links. Derived from
	// JWT_SECRET when empty.
	BlobSigningSecret string `mapstructure:"BLOB_SIGNING_SECRET"`

	DefaultGrantTTL    time.Duration `mapstructure:"DEFAULT_GRANT_TTL"`
	GrantPurgeInterval time.Duration `mapstructure:"GRANT_PURGE_INTERVAL"`

	SMTPAddr         string `mapstructure:"SMTP_ADDR"`
	SMTPFrom         string `mapstructure:"SMTP_FROM"`
	SMTPUsername     string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword     string `mapstructure:"SMTP_PASSWORD"`
	PasswordResetURL string `mapstructure:"PASSWORD_RESET_URL"`

	WebhookURL    string   `mapstructure:"WEBHOOK_URL"`
	WebhookSecret string   `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents []string `mapstructure:"WEBHOOK_EVENTS"`

	OAuthIssuer       string `mapstructure:"OAUTH_ISSUER"`
	OAuthClientID     string `mapstructure:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string `mapstructure:"OAUTH_CLIENT_SECRET"`
	OAuthRedirectURL  string `mapstructure:"OAUTH_REDIRECT_URL"`
}

var envKeys = []string{
	"PORT", "PUBLIC_BASE_URL", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"JWT_SECRET", "JWT_ISSUER", "SESSION_TTL", "PASSWORD_RESET_TTL",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"STORAGE_BACKEND", "STORAGE_BUCKET", "S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY",
	"S3_REGION", "S3_USE_SSL", "PUBLIC_URL_TTL", "MAX_UPLOAD_BYTES", "BLOB_SIGNING_SECRET",
	"DEFAULT_GRANT_TTL", "GRANT_PURGE_INTERVAL",
	"SMTP_ADDR", "SMTP_FROM", "SMTP_USERNAME", "SMTP_PASSWORD", "PASSWORD_RESET_URL",
	"WEBHOOK_URL", "WEBHOOK_SECRET", "WEBHOOK_EVENTS",
	"OAUTH_ISSUER", "OAUTH_CLIENT_ID", "OAUTH_CLIENT_SECRET", "OAUTH_REDIRECT_URL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("JWT_ISSUER", "medvault")
	v.SetDefault("SESSION_TTL", "12h")
	v.SetDefault("PASSWORD_RESET_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("STORAGE_BUCKET", "medical-records")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("PUBLIC_URL_TTL", "15m")
	v.SetDefault("MAX_UPLOAD_BYTES", 30*1024*1024)
	v.SetDefault("DEFAULT_GRANT_TTL", "720h")
	v.SetDefault("GRANT_PURGE_INTERVAL", "0s")

	// Unmarshal only sees keys viper already knows about.
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	cfg.WebhookEvents = splitList(cfg.WebhookEvents)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.JWTSecret == "" {
		log.Println("WARNING: JWT_SECRET is not set; using an insecure development secret.")
		cfg.JWTSecret = "medvault-development-secret-change-me"
	}

	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:" + cfg.Port
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if cfg.PasswordResetURL == "" {
		cfg.PasswordResetURL = cfg.PublicBaseURL + "/reset-password"
	}

	return cfg, nil
}

// splitList accepts a list given either as separate values or as one
// comma-separated string.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// BlobSigningKey returns the key for signed blob links. It never equals
// the session signing key.
func (c *Config) BlobSigningKey() []byte {
	if c.BlobSigningSecret != "" {
		return []byte(c.BlobSigningSecret)
	}
	mac := hmac.New(sha256.New, []byte(c.JWTSecret))
	mac.Write([]byte("medvault/blob-links/v1"))
	return mac.Sum(nil)
}

// OAuthEnabled reports whether an external OIDC provider is configured for
// the redirect sign-in flow.
func (c *Config) OAuthEnabled() bool {
	return c.OAuthIssuer != "" && c.OAuthClientID != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if len(c.JWTSecret) < 32 && !c.IsDev() {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters outside development")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.DefaultGrantTTL <= 0 {
		return fmt.Errorf("DEFAULT_GRANT_TTL must be positive, got %s", c.DefaultGrantTTL)
	}
	if c.GrantPurgeInterval < 0 {
		return fmt.Errorf("GRANT_PURGE_INTERVAL must not be negative")
	}

	switch c.StorageBackend {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("STORAGE_BACKEND=memory is not allowed in production")
		}
	case "s3":
		if c.S3Endpoint == "" {
			return fmt.Errorf("S3_ENDPOINT is required when STORAGE_BACKEND is \"s3\"")
		}
		if c.S3AccessKey == "" || c.S3SecretKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required when STORAGE_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"memory\" or \"s3\", got %q", c.StorageBackend)
	}
	if c.StorageBucket == "" {
		return fmt.Errorf("STORAGE_BUCKET is required")
	}

	if c.SMTPAddr != "" && c.SMTPFrom == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_ADDR is set")
	}

	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}

	if c.OAuthIssuer != "" && c.OAuthRedirectURL == "" {
		return fmt.Errorf("OAUTH_REDIRECT_URL is required when OAUTH_ISSUER is set")
	}

	return nil
}
