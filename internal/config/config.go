package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Postgres struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type Config struct {
	Port             string
	MQTTBrokerURL    string
	MQTTClientID     string
	RedisAddr        string
	RedisPassword    string
	CacheTTL         time.Duration
	JWTPublicKeyPath string
	Postgres         Postgres
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func Load() Config {
	_ = godotenv.Load()

	ttl := time.Minute
	if v := env("DEVICE_CACHE_TTL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			ttl = d
		}
	}

	return Config{
		Port:             env("PORT", "3001"),
		MQTTBrokerURL:    env("MQTT_BROKER_URL", "tcp://test.mosquitto.org:1883"),
		MQTTClientID:     env("MQTT_CLIENT_ID", "capstone-backend"),
		RedisAddr:        env("REDIS_ADDR", ""),
		RedisPassword:    env("REDIS_PASSWORD", ""),
		CacheTTL:         ttl,
		JWTPublicKeyPath: env("JWT_PUBLIC_KEY_PATH", "jwt_public.pem"),
		Postgres: Postgres{
			User:     env("POSTGRES_USER", "postgres"),
			Password: env("POSTGRES_PASSWORD", "postgres"),
			DBName:   env("POSTGRES_DB", "capstone"),
			Host:     env("POSTGRES_HOST", "postgres"),
			Port:     env("POSTGRES_PORT", "5432"),
			SSLMode:  env("POSTGRES_SSLMODE", "disable"),
		},
	}
}
