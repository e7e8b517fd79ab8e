// Package server exposes the downstream websocket endpoint and the
// operational HTTP routes.
package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Config wires the handlers into the router.
type Config struct {
	StreamHandler  *StreamHandler
	StatusHandler  *StatusHandler
	SymbolsHandler *SymbolsHandler
	Logger         *logrus.Logger
}

// NewRouter builds the gin engine.
func NewRouter(cfg *Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Logger))

	router.GET("/ws", cfg.StreamHandler.Serve)
	router.GET("/health", cfg.StatusHandler.Health)

	api := router.Group("/v1/")
	registerStatusRoutes(api, cfg.StatusHandler, cfg.SymbolsHandler)

	return router
}

func registerStatusRoutes(router *gin.RouterGroup, status *StatusHandler, symbols *SymbolsHandler) {
	router.GET("/stats", status.Stats)

	sym := router.Group("/symbols")
	{
		sym.GET("", symbols.List)
		sym.POST("/reload", symbols.Reload)
	}
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("HTTP request")
	}
}
