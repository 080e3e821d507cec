package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Config carries every setting the streaming server reads from the
// environment, resolved to concrete values.
type Config struct {
	Env      string
	LogLevel string

	Bind   string
	Port   int
	Socket string // non-empty selects a UNIX-domain listener

	TrustedProxies []string

	DatabaseURL string
	DBPool      int

	RedisURL       string
	RedisNamespace string

	// AlwaysRequireAuth disables anonymous access to the public streams.
	AlwaysRequireAuth bool

	ClusterNum int
}

// Load builds the service configuration from the process environment.
// Call LoadEnv first if dotenv files should be honored.
func Load() *Config {
	env := GetEnv("NODE_ENV", "development")

	cfg := &Config{
		Env:            env,
		LogLevel:       GetEnv("LOG_LEVEL", "info"),
		Bind:           GetEnv("BIND", "127.0.0.1"),
		Socket:         GetEnv("SOCKET", ""),
		TrustedProxies: splitList(GetEnv("TRUSTED_PROXY_IP", "")),
		DatabaseURL:    databaseURL(env),
		DBPool:         GetEnvInt("DB_POOL", 10),
		RedisURL:       redisURL(),
		RedisNamespace: GetEnv("REDIS_NAMESPACE", ""),
		AlwaysRequireAuth: GetEnvBool("LIMITED_FEDERATION_MODE", false) ||
			GetEnvBool("WHITELIST_MODE", false) ||
			GetEnvBool("AUTHORIZED_FETCH", false),
		ClusterNum: GetEnvInt("STREAMING_CLUSTER_NUM", 1),
	}

	// A non-numeric PORT is treated as a socket path, matching SOCKET.
	port := GetEnv("PORT", "4000")
	if cfg.Socket == "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Port = n
		} else {
			cfg.Socket = port
		}
	}

	return cfg
}

// Address returns the TCP listen address. Meaningless when Socket is set.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// Production reports whether the server runs with NODE_ENV=production.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// RedisPrefix returns the namespace prefix applied to channel names and
// marker keys, including the trailing colon, or "" when no namespace is set.
func (c *Config) RedisPrefix() string {
	if c.RedisNamespace == "" {
		return ""
	}
	return c.RedisNamespace + ":"
}

func databaseURL(env string) string {
	if raw := GetEnv("DATABASE_URL", ""); raw != "" {
		return raw
	}

	name := "mastodon_development"
	if env == "production" {
		name = "mastodon_production"
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(GetEnv("DB_HOST", "localhost"), strconv.Itoa(GetEnvInt("DB_PORT", 5432))),
		Path:   GetEnv("DB_NAME", name),
	}
	user := GetEnv("DB_USER", "mastodon")
	if pass := GetEnv("DB_PASS", ""); pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}
	q := url.Values{}
	q.Set("sslmode", GetEnv("DB_SSLMODE", "disable"))
	u.RawQuery = q.Encode()

	return u.String()
}

func redisURL() string {
	if raw := GetEnv("REDIS_URL", ""); raw != "" {
		return raw
	}

	host := GetEnv("REDIS_HOST", "127.0.0.1")
	port := GetEnvInt("REDIS_PORT", 6379)
	db := GetEnvInt("REDIS_DB", 0)
	if pass := GetEnv("REDIS_PASSWORD", ""); pass != "" {
		return fmt.Sprintf("redis://:%s@%s/%d", url.QueryEscape(pass), net.JoinHostPort(host, strconv.Itoa(port)), db)
	}
	return fmt.Sprintf("redis://%s/%d", net.JoinHostPort(host, strconv.Itoa(port)), db)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
