package reconcile

import (
	"net/url"
	"os"
	"time"
)

// Config carries the reconciler's environment-derived settings.
type Config struct {
	DSN         string
	RedisAddr   string
	MetricsAddr string
	Interval    time.Duration
	LockTTL     time.Duration
}

// ConfigFromEnv assembles the config with the same conventions the other
// binaries use: DATABASE_URL wins, else the DB_* parts build a DSN.
// RECONCILE_LOCK_TTL is the hard upper bound on one sweep's duration; a
// sweep that outlives it can have its lock stolen by another runner.
func ConfigFromEnv() Config {
	return Config{
		DSN:         dbDSNFromEnv(),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		MetricsAddr: getenvDefault("METRICS_ADDR", ":9090"),
		Interval:    durationFromEnv("RECONCILE_INTERVAL", 5*time.Minute),
		LockTTL:     durationFromEnv("RECONCILE_LOCK_TTL", 10*time.Minute),
	}
}

func dbDSNFromEnv() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}

	host := getenvDefault("DB_HOST", "127.0.0.1")
	port := getenvDefault("DB_PORT", "5432")
	user := getenvDefault("DB_USER", "app")
	pass := getenvDefault("DB_PASSWORD", "app")
	name := getenvDefault("DB_NAME", "quotient")
	sslmode := getenvDefault("DB_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   host + ":" + port,
		Path:   "/" + name,
	}
	q := u.Query()
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String()
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
