package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/dockwatch/internal/auth"
	"github.com/web-casa/dockwatch/internal/config"
	"github.com/web-casa/dockwatch/internal/model"
)

// AuthHandler manages the login endpoint
type AuthHandler struct {
	cfg     *config.Config
	limiter *auth.LoginLimiter
	logger  *slog.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(cfg *config.Config, limiter *auth.LoginLimiter, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{cfg: cfg, limiter: limiter, logger: logger.With("module", "auth")}
}

// Login authenticates the admin user and returns a JWT token
func (h *AuthHandler) Login(c *gin.Context) {
	ip := c.ClientIP()

	// Rate limit check
	allowed, waitSec := h.limiter.Check(ip)
	if !allowed {
		env := model.Failure("Too many login attempts")
		env.Data = gin.H{"retry_after": waitSec}
		c.JSON(http.StatusTooManyRequests, env)
		return
	}

	var req model.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.AdminUsername)) == 1
	passOK := auth.CheckPassword(h.cfg.AdminPasswordHash, req.Password)
	if !userOK || !passOK {
		h.limiter.RecordFail(ip)
		h.logger.Warn("login failed", "username", req.Username, "ip", ip)
		c.JSON(http.StatusUnauthorized, model.Failure("Invalid username or password"))
		return
	}

	token, err := auth.GenerateToken(req.Username, h.cfg.JWTSecret)
	if err != nil {
		respondError(c, err)
		return
	}
	h.limiter.RecordSuccess(ip)
	h.logger.Info("login", "username", req.Username, "ip", ip)
	respond(c, http.StatusOK, gin.H{"token": token})
}
