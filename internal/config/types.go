package config

type Config struct {
	Port            string
	Environment     string
	AllowedOrigins  []string
	SessionLinkBase string
	SocketURL       string

	// optional durable message store backends
	DatabaseURL string
	RedisURL    string
}

// reports whether the server runs in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
