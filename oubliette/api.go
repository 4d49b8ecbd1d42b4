package oubliette

import (
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiPrefix            = "/api"
	apiHealthCheck       = "/api/health"
	apiPathGuildCases    = "/guilds/:guild_id/cases"
	apiPathGuildAppeals  = "/guilds/:guild_id/appeals"
	apiPathGuildMessages = "/guilds/:guild_id/jail-messages"
	apiPathGuildReapply  = "/guilds/:guild_id/reapply"
	apiPathQuit          = "/quit"
)

var structValidator = validator.New()

//nolint:gochecknoinits // gotta set the tag name
func init() {
	structValidator.SetTagName("binding")
}

// newAPI builds the operator API server: read access to the case and
// appeal ledgers, a reapply trigger, and a quit endpoint. All routes
// except the health check require the configured bearer secret.
func newAPI(o *Oubliette, config *APIConfig) (*http.Server, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(setupLogger),
		cors.New(config.CORS.GINConfig()),
	)

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		var err error
		tlsCfg, err = tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	handlers := &apiHandlers{o: o, logger: setupLogger}

	r.GET(apiHealthCheck, handlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret))
	protected.GET(apiPathGuildCases, handlers.getCases)
	protected.GET(apiPathGuildAppeals, handlers.getAppeals)
	protected.GET(apiPathGuildMessages, handlers.getJailMessages)
	protected.POST(apiPathGuildReapply, handlers.reapplyOverwrites)
	protected.POST(apiPathQuit, handlers.botQuit)

	return httpServer, nil
}

type apiHandlers struct {
	o      *Oubliette
	logger *slog.Logger
}

func (h *apiHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":  "ok",
			"version": Version,
		},
	)
}

func (h *apiHandlers) getCases(c *gin.Context) {
	guildID := c.Param("guild_id")
	query := h.o.db.WithContext(c.Request.Context()).Where(
		"guild_id = ?", guildID,
	)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	var cases []Case
	if err := query.Order("case_id asc").Find(&cases).Error; err != nil {
		ginContextLogger(c).Error("error listing cases", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cases": cases})
}

func (h *apiHandlers) getAppeals(c *gin.Context) {
	guildID := c.Param("guild_id")
	query := h.o.db.WithContext(c.Request.Context()).Where(
		"guild_id = ?", guildID,
	)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	var appeals []Appeal
	if err := query.Order("appeal_id asc").Find(&appeals).Error; err != nil {
		ginContextLogger(c).Error("error listing appeals", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appeals": appeals})
}

func (h *apiHandlers) getJailMessages(c *gin.Context) {
	guildID := c.Param("guild_id")
	query := h.o.db.WithContext(c.Request.Context()).Where(
		"guild_id = ?", guildID,
	)
	if userID := c.Query("user_id"); userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	var messages []JailMessage
	if err := query.Order("created_at asc").Find(&messages).Error; err != nil {
		ginContextLogger(c).Error("error listing jail messages", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *apiHandlers) reapplyOverwrites(c *gin.Context) {
	guildID := c.Param("guild_id")
	settings := h.o.writeDB.GetGuildSettings(guildID)
	if settings == nil || !settings.Configured() {
		c.JSON(
			http.StatusBadRequest,
			gin.H{"error": "guild is not configured"},
		)
		return
	}
	applied, failed, err := h.o.enforcer.ApplyOverwrites(
		c.Request.Context(),
		settings,
	)
	if err != nil {
		ginContextLogger(c).Error("error applying overwrites", tint.Err(err))
		c.AbortWithStatus(http.StatusBadGateway)
		return
	}
	c.JSON(
		http.StatusOK, gin.H{
			"applied": applied,
			"failed":  failed,
		},
	)
}

func (h *apiHandlers) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("quit requested via api")
	if !h.o.Stop(c.Request.Context()) {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopping": true})
}

// authMiddleware enforces the configured bearer secret. An empty secret
// rejects everything, so an unconfigured API exposes only the health
// check.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare(
			[]byte(token),
			[]byte(secret),
		) != 1 {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request and echoes it in the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request-scoped logger, or a logger
// carrying the request ID if one wasn't set by the middleware.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, isLogger := v.(*slog.Logger); isLogger {
			return logger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	return slog.Default().With(slog.Any(xRequestIDHeader, requestID))
}

func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		requestLogger := logger.With(
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()

		requestLogger.Info(
			"request finished",
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
