package cfg

import (
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"pokebin/svc/util"
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
func (s Secret) Wipe() {
	util.Wipe(s.value)
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                   string
	Environment            string
	LogLevel               string
	DatabasePath           string
	DatabaseURL            Secret
	DBMaxOpenConns         int
	DBMaxIdleConns         int
	DBQueryTimeout         time.Duration
	RedisURL               string
	RedisTLS               bool
	RedisUsername          string
	RedisPassword          Secret
	RedisHostname          string
	RedisCACert            string
	RedisDevCA             string
	RedisTimeout           time.Duration
	RedisCacheTTL          time.Duration
	LRUCacheSize           int
	RateLimit              RateLimitCfg
	MaxPasteSize           int64
	ContextTimeout         time.Duration
	AllowedOrigins         []string
	TrustedProxies         []string
	MetricsUser            string
	MetricsPass            Secret
	IDCipherKey            Secret
	IDCipherKeyFromSecrets bool
	Data                   DataCfg
}

type RateLimitCfg struct {
	CreateRPM         int
	ReadRPM           int
	Burst             int
	ConservativeLimit int
	// Anomaly detection runs per endpoint class over a window of one-minute
	// buckets; a class whose error rate exceeds AnomalyErrorRate percent over
	// at least AnomalyMinRequests requests has its limits halved.
	AnomalyWindow      int
	AnomalyMinRequests int
	AnomalyErrorRate   float64
}

// DataCfg locates the lookup tables and static assets. Table and image
// paths are relative to AssetRoot.
type DataCfg struct {
	AssetRoot         string
	PokemonFile       string
	MovesFile         string
	ItemsFile         string
	ImageDir          string
	PublicImagePrefix string
	UnknownImage      string
	WebDir            string
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8000")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "pokebin.db")
	c.DatabaseURL = NewSecret(getEnv("DATABASE_URL", ""))
	var err error
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisHostname = getEnv("REDIS_HOSTNAME", "")
	c.RedisCACert = getEnv("REDIS_TLS_CA_CERT", "")
	c.RedisDevCA = getEnv("REDIS_TLS_DEV_CA", "")
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.RedisCacheTTL, err = getDuration("REDIS_CACHE_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.RateLimit.CreateRPM, err = getInt("RATE_LIMIT_CREATE_RPM", 30)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ReadRPM, err = getInt("RATE_LIMIT_READ_RPM", 600)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 20)
	if err != nil {
		return nil, err
	}
	c.RateLimit.AnomalyWindow, err = getInt("ANOMALY_WINDOW_MINUTES", 5)
	if err != nil {
		return nil, err
	}
	c.RateLimit.AnomalyMinRequests, err = getInt("ANOMALY_MIN_REQUESTS", 10)
	if err != nil {
		return nil, err
	}
	c.RateLimit.AnomalyErrorRate, err = getFloat("ANOMALY_ERROR_RATE", 5)
	if err != nil {
		return nil, err
	}
	c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 64*1024)
	if err != nil {
		return nil, err
	}
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.IDCipherKey = NewSecret(getEnv("ID_CIPHER_KEY", ""))
	c.IDCipherKeyFromSecrets = getEnv("ID_CIPHER_KEY_FROM_SECRETS", "false") == "true"

	c.Data = DataCfg{
		AssetRoot:         getEnv("ASSET_ROOT", "."),
		PokemonFile:       getEnv("POKEMON_DATA", "pokemon.json"),
		MovesFile:         getEnv("MOVES_DATA", "moves.json"),
		ItemsFile:         getEnv("ITEMS_DATA", "battleItems.json"),
		ImageDir:          getEnv("IMAGE_DIR", "home"),
		PublicImagePrefix: getEnv("PUBLIC_IMAGE_PREFIX", "imgs"),
		UnknownImage:      getEnv("UNKNOWN_IMAGE", "home/unknown.png"),
		WebDir:            getEnv("WEB_DIR", "web/dist"),
	}
	return c, nil
}

// UsePostgres reports whether DATABASE_URL selects the Postgres store.
func (c *Cfg) UsePostgres() bool {
	return c.DatabaseURL.Value() != ""
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}

	if c.UsePostgres() {
		u := c.DatabaseURL.Value()
		if !strings.HasPrefix(u, "postgres://") && !strings.HasPrefix(u, "postgresql://") {
			return errors.New("DATABASE_URL must start with postgres:// or postgresql://")
		}
	} else {
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required")
		}
		workDir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		absWorkDir, err := filepath.Abs(workDir)
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		absDBPath, err := filepath.Abs(c.DatabasePath)
		if err != nil {
			return fmt.Errorf("invalid DATABASE_PATH: %w", err)
		}
		if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
			return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
		}
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.DBMaxIdleConns < 0 || c.DBMaxIdleConns > c.DBMaxOpenConns {
		return errors.New("DB_MAX_IDLE_CONNS must be between 0 and DB_MAX_OPEN_CONNS")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
		if c.RedisTLS && c.RedisHostname == "" {
			return errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
		}
	}

	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.RateLimit.CreateRPM <= 0 {
		return errors.New("RATE_LIMIT_CREATE_RPM must be positive")
	}
	if c.RateLimit.ReadRPM <= 0 {
		return errors.New("RATE_LIMIT_READ_RPM must be positive")
	}
	if c.RateLimit.ConservativeLimit <= 0 {
		return errors.New("RATE_LIMIT_CONSERVATIVE must be positive")
	}

	if c.RateLimit.AnomalyWindow <= 0 || c.RateLimit.AnomalyMinRequests <= 0 {
		return errors.New("ANOMALY_WINDOW_MINUTES and ANOMALY_MIN_REQUESTS must be positive")
	}
	if r := c.RateLimit.AnomalyErrorRate; r <= 0 || r > 100 {
		return errors.New("ANOMALY_ERROR_RATE must be a percentage in (0, 100]")
	}

	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if !c.IDCipherKeyFromSecrets {
		if n := len(c.IDCipherKey.Value()); n < 8 || n > 56 {
			return errors.New("ID_CIPHER_KEY must be 8 to 56 bytes if ID_CIPHER_KEY_FROM_SECRETS is false")
		}
	}
	if c.Data.PokemonFile == "" || c.Data.MovesFile == "" || c.Data.ItemsFile == "" {
		return errors.New("POKEMON_DATA, MOVES_DATA and ITEMS_DATA are required")
	}
	for name, dir := range map[string]string{"WEB_DIR": c.Data.WebDir, "IMAGE_DIR": c.Data.ImageDir} {
		if !fs.ValidPath(dir) {
			return fmt.Errorf("%s must be a relative slash-separated path: %q", name, dir)
		}
	}
	if p := c.Data.PublicImagePrefix; p == "" || strings.Contains(p, "/") {
		return errors.New("PUBLIC_IMAGE_PREFIX must be a single path segment")
	}
	return nil
}
func (c *Cfg) Wipe() {
	util.Wipe(c.DatabaseURL.value, c.RedisPassword.value, c.MetricsPass.value, c.IDCipherKey.value)
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
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
func getFloat(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
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
