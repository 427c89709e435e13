package websocket

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"slices"

	"codeberg.org/securechat/server/internal/config"
	"codeberg.org/securechat/server/internal/logger"
)

// OriginChecker builds the upgrade-time origin check from the loaded
// configuration. Development allows everything; production validates
// against the configured allowed origins.
func OriginChecker(cfg *config.Config) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		if !cfg.IsProduction() {
			return true
		}

		if origin == "" {
			logger.Warn("websocket connection with no origin header")
			return false
		}

		if len(cfg.AllowedOrigins) == 0 {
			logger.Warn("websocket origin rejected - ALLOWED_ORIGINS not configured",
				"origin", origin,
			)
			return false
		}

		if slices.Contains(cfg.AllowedOrigins, origin) {
			return true
		}

		logger.Warn("websocket origin rejected - not in allowed origins",
			"origin", origin,
			"allowed_origins", cfg.AllowedOrigins,
		)

		return false
	}
}

func GenerateConnectionID() (string, error) {
	bytes := make([]byte, 16)

	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}

	return hex.EncodeToString(bytes), nil
}
