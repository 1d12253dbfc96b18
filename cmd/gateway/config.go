package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"download-gateway/download/infra"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type config struct {
	listenAddr    string
	publicBaseURL string
	logLevel      slog.Level

	tokenSecret string
	tokenTTL    time.Duration
	tokenGrace  time.Duration

	rateLimit           int
	rateWindow          time.Duration
	rateReducedSecurity bool
	rateLimitReduced    int
	allowanceTTL        time.Duration

	fingerprintWindow time.Duration
	fingerprintDrift  int
	keyHeader         string
	trustXFF          bool

	queueTTL      time.Duration
	flushSchedule string

	storageRoot            string
	internalRedirect       bool
	internalRedirectPrefix string
	internalRedirectHeader string
	streamChunkSize        int
	streamBytesPerSec      int64
	concurrencyMax         int
	concurrencyTimeout     time.Duration

	redisAddr     string
	redisPassword string
	redisDB       int

	dbDriver string
	dbDSN    string

	outcomeStats         string
	outcomePrefix        string
	outcomeTTL           time.Duration
	outcomeBucket        string
	outcomeTrackVersions bool
}

// loadConfigSources pré-carrega .env e o arquivo TOML de CONFIG_FILE no
// ambiente. Nenhum dos dois sobrescreve variáveis já definidas.
func loadConfigSources() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		return loadTOMLFile(path)
	}
	return nil
}

// loadTOMLFile achata o TOML em chaves de ambiente: [rate] limit = 3 vira
// RATE_LIMIT=3.
func loadTOMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var tree map[string]any
	if err := toml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	flat := make(map[string]string)
	flattenTOML("", tree, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if getenvIsSet(k) {
			continue
		}
		if err := os.Setenv(k, flat[k]); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return nil
}

func flattenTOML(prefix string, tree map[string]any, out map[string]string) {
	for k, v := range tree {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch val := v.(type) {
		case map[string]any:
			flattenTOML(key, val, out)
		case time.Time:
			out[key] = val.Format(time.RFC3339)
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.publicBaseURL = os.Getenv("PUBLIC_BASE_URL")
	cfg.logLevel = parseLevel(os.Getenv("LOG_LEVEL"))

	cfg.tokenSecret = os.Getenv("TOKEN_SECRET")
	cfg.tokenTTL = getenvDurationDefault("TOKEN_TTL", 600*time.Second)
	cfg.tokenGrace = getenvDurationDefault("TOKEN_GRACE", 0)

	cfg.rateLimit = getenvIntDefault("RATE_LIMIT", 3)
	cfg.rateWindow = getenvDurationDefault("RATE_WINDOW", 60*time.Second)
	cfg.rateReducedSecurity = getenvBoolDefault("RATE_REDUCED_SECURITY", false)
	cfg.rateLimitReduced = getenvIntDefault("RATE_LIMIT_REDUCED", 10)
	cfg.allowanceTTL = getenvDurationDefault("ALLOWANCE_TTL", 30*time.Second)

	cfg.fingerprintWindow = getenvDurationDefault("FINGERPRINT_WINDOW", time.Hour)
	cfg.fingerprintDrift = getenvIntDefault("FINGERPRINT_DRIFT", 1)
	cfg.keyHeader = os.Getenv("KEY_HEADER")
	cfg.trustXFF = getenvBoolDefault("TRUST_XFF", false)

	cfg.queueTTL = getenvDurationDefault("QUEUE_TTL", 600*time.Second)
	cfg.flushSchedule = getenvDefault("FLUSH_SCHEDULE", "@every 1m")

	cfg.storageRoot = os.Getenv("STORAGE_ROOT")
	cfg.internalRedirect = getenvBoolDefault("INTERNAL_REDIRECT", false)
	cfg.internalRedirectPrefix = getenvDefault("INTERNAL_REDIRECT_PREFIX", "/protected-files")
	cfg.internalRedirectHeader = getenvDefault("INTERNAL_REDIRECT_HEADER", "X-Accel-Redirect")
	cfg.streamChunkSize = getenvIntDefault("STREAM_CHUNK_SIZE", 8192)
	cfg.streamBytesPerSec = int64(getenvIntDefault("STREAM_BYTES_PER_SEC", 0))
	cfg.concurrencyMax = getenvIntDefault("CONCURRENCY_MAX", 100)
	cfg.concurrencyTimeout = getenvDurationDefault("CONCURRENCY_TIMEOUT", 0)

	cfg.redisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.redisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.redisDB = getenvIntDefault("REDIS_DB", 0)

	cfg.dbDriver = strings.ToLower(getenvDefault("DB_DRIVER", infra.DialectSQLite))
	cfg.dbDSN = getenvDefault("DB_DSN", "downloads.db")

	cfg.outcomeStats = strings.ToLower(getenvDefault("OUTCOME_STATS", "none"))
	cfg.outcomePrefix = getenvDefault("OUTCOME_PREFIX", "download:outcomes")
	cfg.outcomeTTL = getenvDurationDefault("OUTCOME_TTL", 24*time.Hour)
	cfg.outcomeBucket = getenvDefault("OUTCOME_BUCKET", "minute")
	cfg.outcomeTrackVersions = getenvBoolDefault("OUTCOME_TRACK_VERSIONS", false)

	if cfg.tokenSecret == "" {
		return config{}, errors.New("TOKEN_SECRET is required")
	}
	if cfg.tokenTTL <= 0 {
		return config{}, errors.New("TOKEN_TTL must be > 0")
	}
	if cfg.rateLimit <= 0 {
		return config{}, errors.New("RATE_LIMIT must be > 0")
	}
	if cfg.rateWindow <= 0 {
		return config{}, errors.New("RATE_WINDOW must be > 0")
	}
	if cfg.streamChunkSize <= 0 {
		return config{}, errors.New("STREAM_CHUNK_SIZE must be > 0")
	}
	if cfg.concurrencyMax < 0 {
		return config{}, errors.New("CONCURRENCY_MAX must be >= 0")
	}
	if cfg.internalRedirect && cfg.storageRoot == "" {
		return config{}, errors.New("STORAGE_ROOT is required when INTERNAL_REDIRECT=true")
	}
	switch cfg.dbDriver {
	case infra.DialectSQLite, infra.DialectPostgres, infra.DialectMySQL:
	default:
		return config{}, fmt.Errorf("DB_DRIVER must be sqlite, postgres or mysql, got %q", cfg.dbDriver)
	}
	switch cfg.outcomeStats {
	case "none", "memory":
	case "redis":
		if cfg.redisAddr == "" {
			return config{}, errors.New("REDIS_ADDR is required when OUTCOME_STATS=redis")
		}
	default:
		return config{}, fmt.Errorf("OUTCOME_STATS must be none, memory or redis, got %q", cfg.outcomeStats)
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvIsSet(k string) bool {
	v, ok := os.LookupEnv(k)
	return ok && v != ""
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getenvDurationDefault aceita "90s"/"1m" e também segundos inteiros ("600").
func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
