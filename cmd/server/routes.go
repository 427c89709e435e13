package main

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"

	"codeberg.org/securechat/server/api/rest/health"
	"codeberg.org/securechat/server/api/websocket"
	"codeberg.org/securechat/server/internal/logger"
)

// sustained HTTP requests per client IP; the socket has its own
// per-connection intent limiter once established
const httpRateLimit = "120-M"

// sets up all API routes and middleware
func RegisterRoutes(router *gin.Engine, server *Server) {
	router.Use(CORSMiddleware(server))
	router.Use(RateLimitMiddleware())

	router.GET("/health", health.Handler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	{
		v1.GET("/ping", health.PingHandler)

		websocket.RegisterRoutes(v1, server.config, server.gateway)
	}
}

func CORSMiddleware(server *Server) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if server.config.IsProduction() {
		corsConfig.AllowOrigins = server.config.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}

	return cors.New(corsConfig)
}

func RateLimitMiddleware() gin.HandlerFunc {
	rate, err := limiter.NewRateFromFormatted(httpRateLimit)
	if err != nil {
		logger.Fatal("invalid rate limit format", "error", err)
	}

	return mgin.NewMiddleware(limiter.New(memorystore.NewStore(), rate))
}
