package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/dockwatch/internal/apperrors"
	"github.com/web-casa/dockwatch/internal/auth"
	"github.com/web-casa/dockwatch/internal/logging"
	"github.com/web-casa/dockwatch/internal/model"
	"github.com/web-casa/dockwatch/internal/service"
)

const requestTimeout = 30 * time.Second

func requestContext(c *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), timeout)
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, model.Success(data))
}

func respondMessage(c *gin.Context, msg string) {
	respond(c, http.StatusOK, gin.H{"message": msg})
}

// respondError maps err to a status code and writes an error envelope.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, model.Failure(err.Error()))
}

func respondBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, model.Failure(msg))
}

func actorFrom(c *gin.Context) service.Actor {
	return service.Actor{
		Username:  c.GetString(auth.ContextUsername),
		IP:        c.ClientIP(),
		RequestID: logging.GetRequestID(c),
	}
}
