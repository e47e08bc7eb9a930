package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	BackendS3     = "s3"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Bytes() []byte {
	return s.value
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                string
	Environment         string
	LogLevel            string
	PublicBaseURL       string
	AllowedOrigins      []string
	TrustedProxies      []string
	ContextTimeout      time.Duration
	UploadTimeout       time.Duration
	Auth                AuthCfg
	Storage             StorageCfg
	SecretsFromProvider bool
	LinkSigningKey      Secret
	LinkTTL             time.Duration
	MaxTextSize         int64
	MaxUploadSize       int64
	RedisURL            string
	RedisTLS            bool
	RedisUsername       string
	RedisPassword       Secret
	RedisTimeout        time.Duration
	LRUCacheSize        int
	MetadataCacheTTL    time.Duration
	RateLimit           RateLimitCfg
	MetricsUser         string
	MetricsPass         Secret
	EnableProfiler      bool
}

type AuthCfg struct {
	GoogleClientID string
	JWTIssuer      string
	JWTAudience    string
	JWTSigningKey  Secret
	JWTExpiration  time.Duration
}

type StorageCfg struct {
	Backend          string
	Bucket           string
	Region           string
	Prefix           string
	Endpoint         string
	KMSKeyID         string
	PresignTTL       time.Duration
	AutoCreateBucket bool
	ListConcurrency  int
	DatabasePath     string
	DBMaxOpenConns   int
	DBMaxIdleConns   int
	DBQueryTimeout   time.Duration
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.PublicBaseURL = strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/")
	c.AllowedOrigins = getSlice("CORS_ALLOWED_ORIGINS", getSlice("Cors__AllowedOrigins", []string{}))
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	c.UploadTimeout, err = getDuration("UPLOAD_TIMEOUT", 2*time.Minute)
	if err != nil {
		return nil, err
	}

	c.Auth.GoogleClientID = getEnv("GOOGLE_CLIENT_ID", getEnv("VITE_GOOGLE_CLIENT_ID", ""))
	c.Auth.JWTIssuer = getEnv("JWT_ISSUER", "")
	c.Auth.JWTAudience = getEnv("JWT_AUDIENCE", "")
	c.Auth.JWTSigningKey = NewSecret(getEnv("JWT_SIGNING_KEY", ""))
	minutes, err := getInt("JWT_EXPIRATION_MINUTES", 60)
	if err != nil {
		return nil, err
	}
	c.Auth.JWTExpiration = time.Duration(minutes) * time.Minute

	c.Storage.Backend = strings.ToLower(getEnv("STORAGE_BACKEND", BackendS3))
	c.Storage.Bucket = getEnv("AWS_BUCKET_NAME", "")
	c.Storage.Region = getEnv("AWS_REGION", "")
	c.Storage.Prefix = getEnv("STORAGE_PREFIX", "clipboard")
	c.Storage.Endpoint = getEnv("AWS_ENDPOINT_URL", "")
	c.Storage.KMSKeyID = getEnv("STORAGE_KMS_KEY_ID", "")
	c.Storage.PresignTTL, err = getDuration("STORAGE_PRESIGN_TTL", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	c.Storage.AutoCreateBucket = getEnv("STORAGE_AUTO_CREATE_BUCKET", "true") == "true"
	c.Storage.ListConcurrency, err = getInt("STORAGE_LIST_CONCURRENCY", 8)
	if err != nil {
		return nil, err
	}
	c.Storage.DatabasePath = getEnv("DATABASE_PATH", "clipsync.db")
	c.Storage.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, err
	}
	c.Storage.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 5)
	if err != nil {
		return nil, err
	}
	c.Storage.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	c.SecretsFromProvider = getEnv("SECRETS_FROM_PROVIDER", "false") == "true"
	c.LinkSigningKey = NewSecret(getEnv("LINK_SIGNING_KEY", ""))
	c.LinkTTL, err = getDuration("LINK_TTL", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	c.MaxTextSize, err = getInt64("MAX_TEXT_SIZE", 1024*1024)
	if err != nil {
		return nil, err
	}
	c.MaxUploadSize, err = getInt64("MAX_UPLOAD_SIZE", 25*1024*1024)
	if err != nil {
		return nil, err
	}

	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 4096)
	if err != nil {
		return nil, err
	}
	c.MetadataCacheTTL, err = getDuration("METADATA_CACHE_TTL", time.Hour)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 600)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 30)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 120)
	if err != nil {
		return nil, err
	}
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.EnableProfiler = getEnv("ENABLE_PROFILER", "false") == "true"
	return c, nil
}

// Validate checks the loaded values. Signing keys may be empty here when
// SecretsFromProvider is set; ValidateSecrets runs once they are resolved.
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.PublicBaseURL != "" {
		u, err := url.Parse(c.PublicBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("PUBLIC_BASE_URL must be an absolute URL")
		}
	}
	if len(c.AllowedOrigins) == 0 {
		return errors.New("CORS_ALLOWED_ORIGINS is required")
	}
	if c.Auth.GoogleClientID == "" {
		return errors.New("GOOGLE_CLIENT_ID is required")
	}
	if c.Auth.JWTIssuer == "" {
		return errors.New("JWT_ISSUER is required")
	}
	if c.Auth.JWTAudience == "" {
		return errors.New("JWT_AUDIENCE is required")
	}
	if c.Auth.JWTExpiration < time.Minute {
		return errors.New("JWT_EXPIRATION_MINUTES must be at least 1")
	}
	if c.Auth.JWTExpiration > 30*24*time.Hour {
		return errors.New("JWT_EXPIRATION_MINUTES cannot exceed 30 days")
	}
	if !c.SecretsFromProvider {
		if err := ValidateSecrets(c); err != nil {
			return err
		}
	}

	switch c.Storage.Backend {
	case BackendS3:
		if c.Storage.Bucket == "" {
			return errors.New("AWS_BUCKET_NAME is required for the s3 backend")
		}
		if c.Storage.Region == "" {
			return errors.New("AWS_REGION is required for the s3 backend")
		}
		if c.Storage.Endpoint != "" {
			if u, err := url.Parse(c.Storage.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
				return errors.New("AWS_ENDPOINT_URL must be an absolute URL")
			}
		}
		if c.Storage.PresignTTL < time.Minute || c.Storage.PresignTTL > 7*24*time.Hour {
			return errors.New("STORAGE_PRESIGN_TTL must be between 1m and 168h")
		}
	case BackendSQLite:
		if c.Storage.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required for the sqlite backend")
		}
	case BackendMemory:
		if c.Environment == "production" {
			return errors.New("memory backend is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}
	if strings.Trim(c.Storage.Prefix, "/") == "" {
		return errors.New("STORAGE_PREFIX must not be empty")
	}
	if c.Storage.ListConcurrency < 1 || c.Storage.ListConcurrency > 64 {
		return errors.New("STORAGE_LIST_CONCURRENCY must be between 1 and 64")
	}

	if c.MaxTextSize <= 0 {
		return errors.New("MAX_TEXT_SIZE must be positive")
	}
	if c.MaxUploadSize <= 0 {
		return errors.New("MAX_UPLOAD_SIZE must be positive")
	}
	if c.MaxUploadSize > 5*1024*1024*1024 {
		return errors.New("MAX_UPLOAD_SIZE cannot exceed 5GiB (single PUT limit)")
	}
	if c.LinkTTL < time.Minute {
		return errors.New("LINK_TTL must be at least 1 minute")
	}
	if c.ContextTimeout <= 0 || c.UploadTimeout <= 0 {
		return errors.New("CONTEXT_TIMEOUT and UPLOAD_TIMEOUT must be positive")
	}

	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}

func ValidateSecrets(c *Cfg) error {
	if len(c.Auth.JWTSigningKey.Value()) == 0 {
		return errors.New("JWT_SIGNING_KEY is required")
	}
	if len(c.Auth.JWTSigningKey.Value()) < 32 {
		return errors.New("JWT_SIGNING_KEY must be at least 32 bytes")
	}
	if n := len(c.LinkSigningKey.Value()); n > 0 && n < 32 {
		return errors.New("LINK_SIGNING_KEY must be at least 32 bytes")
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.Auth.JWTSigningKey.Wipe()
	c.LinkSigningKey.Wipe()
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
