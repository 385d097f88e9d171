package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/dockwatch/internal/config"
	"github.com/web-casa/dockwatch/internal/logging"
	"github.com/web-casa/dockwatch/internal/model"
)

// SystemHandler serves the health, config and frontend log endpoints
type SystemHandler struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewSystemHandler creates a SystemHandler
func NewSystemHandler(cfg *config.Config, logger *slog.Logger) *SystemHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemHandler{cfg: cfg, logger: logger.With("module", "frontend")}
}

// Root is a liveness probe
func (h *SystemHandler) Root(c *gin.Context) {
	respondMessage(c, "Backend is up and running")
}

// Config returns the settings the frontend needs at startup
func (h *SystemHandler) Config(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"refresh_interval": h.cfg.RefreshInterval,
		"auth_required":    h.cfg.AuthEnabled(),
	})
}

// IngestLog writes a log record shipped by the browser to the server log
func (h *SystemHandler) IngestLog(c *gin.Context) {
	var entry model.FrontendLog
	if err := c.ShouldBindJSON(&entry); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	if entry.Message == "" {
		respondBadRequest(c, "message is required")
		return
	}

	requestID := entry.RequestID
	if requestID == "" {
		requestID = logging.GetRequestID(c)
	}
	attrs := []any{
		"request_id", requestID,
		"client_timestamp", entry.Timestamp,
		"ip", c.ClientIP(),
	}
	if len(entry.Context) > 0 {
		attrs = append(attrs, "context", entry.Context)
	}
	h.logger.Log(c.Request.Context(), frontendLevel(entry.Level), entry.Message, attrs...)

	respondMessage(c, "Log received")
}

func frontendLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
