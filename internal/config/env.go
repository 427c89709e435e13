package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// loads configuration from environment variables
func LoadEnvironmentVariables() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		_ = err // not an error - production environments may not have a .env file
	}

	environment := os.Getenv("ENVIRONMENT")
	if environment == "" {
		environment = "development"
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	var origins []string
	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			origins = append(origins, strings.TrimSpace(origin))
		}
	}

	return &Config{
		Port:            port,
		Environment:     environment,
		AllowedOrigins:  origins,
		SessionLinkBase: strings.TrimRight(os.Getenv("SESSION_LINK_BASE"), "/"),
		SocketURL:       strings.TrimRight(os.Getenv("SOCKET_URL"), "/"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
	}, nil
}
