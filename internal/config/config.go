package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	RateRefreshSeconds    int

	// Terminal-side settings.
	TerminalPort      string
	ServerURL         string
	QueuePath         string
	QueueFlushSeconds int
	TerminalUser      string
	TerminalPassword  string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	rateRefresh, err := strconv.Atoi(getEnv("RATE_REFRESH_SECONDS", "300"))
	if err != nil || rateRefresh < 1 {
		rateRefresh = 300
	}
	flushSeconds, err := strconv.Atoi(getEnv("QUEUE_FLUSH_SECONDS", "15"))
	if err != nil || flushSeconds < 1 {
		flushSeconds = 15
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		RateRefreshSeconds:    rateRefresh,
		TerminalPort:          getEnv("TERMINAL_PORT", "8081"),
		ServerURL:             getEnv("SERVER_URL", "http://127.0.0.1:8080"),
		QueuePath:             getEnv("QUEUE_PATH", "data/offline-queue.json"),
		QueueFlushSeconds:     flushSeconds,
		TerminalUser:          getEnv("TERMINAL_USER", "cashier"),
		TerminalPassword:      os.Getenv("TERMINAL_PASSWORD"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
