package websocket

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"codeberg.org/securechat/server/internal/config"
)

func originRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginCheckerDevelopmentAllowsAnyOrigin(t *testing.T) {
	check := OriginChecker(&config.Config{Environment: "development"})

	assert.True(t, check(originRequest("")))
	assert.True(t, check(originRequest("https://anywhere.example")))
}

func TestOriginCheckerProductionValidatesConfiguredOrigins(t *testing.T) {
	check := OriginChecker(&config.Config{
		Environment:    "production",
		AllowedOrigins: []string{"https://chat.example"},
	})

	assert.True(t, check(originRequest("https://chat.example")))
	assert.False(t, check(originRequest("https://evil.example")))
	assert.False(t, check(originRequest("")))
}

func TestOriginCheckerProductionRejectsWhenUnconfigured(t *testing.T) {
	check := OriginChecker(&config.Config{Environment: "production"})

	assert.False(t, check(originRequest("https://chat.example")))
}
