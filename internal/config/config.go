// Package config reads the broker's environment-variable configuration
// (spec.md §6.5), following the teacher's Load-returns-a-struct pattern
// generalized from two fields to the full option set: storage backend
// selection, cache engine, queue tuning, the control-bus URL and the
// downlink-buffer TTL.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/nimbusgrid/iotbroker/internal/storage"
)

// Config holds every broker option spec.md §6.5 recognizes, plus the
// ambient HTTP/auth/observability settings cmd/api and cmd/control need.
type Config struct {
	// Storage (spec.md §6.5: db.engine, db.url)
	DBEngine storage.Backend
	DBURL    string

	// Cache (cache.engine)
	CacheEngine string // "none" or "memory"

	// Queue tuning (mq.prefetch, mq.persistent, mq.shared_prefix)
	MQPrefetch     int
	MQPersistent   bool
	MQSharedPrefix string

	// Control bus (ctrl.url)
	CtrlURL string

	// DlDataBuffer lifecycle (dldata_buffer.ttl_ms)
	DlDataBufferTTL time.Duration

	// Password hashing tuning (auth.password.*). Loaded but not read by
	// the PBKDF2 hasher, which always uses its fixed pbkdf2Iterations
	// constant (internal/auth/password.go).
	PasswordPBKDF2Iterations int

	// RequireMFAForUnitDelete gates unit deletion behind a TOTP step-up
	// token for admin callers (auth.password.require_mfa_for_unit_delete,
	// a supplemented feature drawn from the teacher's MFA flow — see
	// DESIGN.md).
	RequireMFAForUnitDelete bool

	// Ambient: HTTP listen port, environment name, JWT signing key,
	// observability. Named and loaded the way the teacher's cmd/api
	// loads them, generalized past a single Postgres URL.
	Env          string
	Port         string
	JWTSecretPEM string
	JWTIssuer    string
	TokenTTL     time.Duration
	SentryDSN    string

	AllowPublicRegistration bool
}

// Load reads configuration from environment variables, applying the
// defaults spec.md §6.5 names (mq.prefetch=100, mq.persistent=true,
// cache.engine=memory, db.engine=relational).
func Load() Config {
	return Config{
		DBEngine: storage.Backend(getEnv("DB_ENGINE", string(storage.BackendRelational))),
		DBURL:    os.Getenv("DATABASE_URL"),

		CacheEngine: getEnv("CACHE_ENGINE", "memory"),

		MQPrefetch:     getEnvAsInt("MQ_PREFETCH", 100),
		MQPersistent:   getEnvAsBool("MQ_PERSISTENT", true),
		MQSharedPrefix: getEnv("MQ_SHARED_PREFIX", "$share/iotbroker"),

		CtrlURL: os.Getenv("CTRL_URL"),

		DlDataBufferTTL: time.Duration(getEnvAsInt("DLDATA_BUFFER_TTL_MS", 60_000)) * time.Millisecond,

		PasswordPBKDF2Iterations: getEnvAsInt("AUTH_PASSWORD_PBKDF2_ITERATIONS", 120_000),
		RequireMFAForUnitDelete:  getEnvAsBool("AUTH_REQUIRE_MFA_FOR_UNIT_DELETE", false),

		Env:          getEnv("APP_ENV", "development"),
		Port:         getEnv("PORT", "8080"),
		JWTSecretPEM: os.Getenv("JWT_PRIVATE_KEY"),
		JWTIssuer:    getEnv("JWT_ISSUER", "iotbroker"),
		TokenTTL:     time.Duration(getEnvAsInt("TOKEN_TTL_MINUTES", 60)) * time.Minute,
		SentryDSN:    os.Getenv("SENTRY_DSN"),

		AllowPublicRegistration: getEnvAsBool("ALLOW_PUBLIC_REGISTRATION", false),
	}
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}
