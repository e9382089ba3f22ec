package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port               string
	DBConnectionString string
	ERPBaseURL         string
	ERPToken           string
	RedisAddr          string
	PageDelay          time.Duration
}

func Load() (*Config, error) {
	port := getEnv("PORT", "8080")
	dbConnStr := getEnv("DB_CONNECTION_STRING", "")
	erpBaseURL := getEnv("ERP_BASE_URL", "")
	erpToken := getEnv("ERP_TOKEN", "")
	redisAddr := getEnv("REDIS_ADDR", "")

	pageDelay, err := strconv.Atoi(getEnv("SYNC_PAGE_DELAY_SECONDS", "10"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:               port,
		DBConnectionString: dbConnStr,
		ERPBaseURL:         erpBaseURL,
		ERPToken:           erpToken,
		RedisAddr:          redisAddr,
		PageDelay:          time.Duration(pageDelay) * time.Second,
	}, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
