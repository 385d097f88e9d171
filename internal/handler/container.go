package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/dockwatch/internal/model"
	"github.com/web-casa/dockwatch/internal/service"
)

// rebuildTimeout covers the image pull of a rebuild.
const rebuildTimeout = 10 * time.Minute

// DockerService is what the REST handlers need from the service layer.
// *service.DockerService implements it.
type DockerService interface {
	ListContainers(ctx context.Context) ([]model.Container, error)
	ContainerLogs(ctx context.Context, id string, tail int) (string, error)
	ContainerAction(ctx context.Context, id, action string, actor service.Actor) error
	ListImages(ctx context.Context) ([]model.Image, error)
	RemoveImage(ctx context.Context, id string, force bool, actor service.Actor) error
	ImageHistory(ctx context.Context, id string) ([]model.ImageHistoryEntry, error)
	Prune(ctx context.Context, kind string, actor service.Actor) (*model.PruneReport, error)
}

// ContainerHandler serves the container endpoints
type ContainerHandler struct {
	svc DockerService
}

// NewContainerHandler creates a ContainerHandler
func NewContainerHandler(svc DockerService) *ContainerHandler {
	return &ContainerHandler{svc: svc}
}

// List returns all containers
func (h *ContainerHandler) List(c *gin.Context) {
	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()
	containers, err := h.svc.ListContainers(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	if containers == nil {
		containers = []model.Container{}
	}
	respond(c, http.StatusOK, containers)
}

// Logs returns the last lines of a container's log
func (h *ContainerHandler) Logs(c *gin.Context) {
	tail, err := strconv.Atoi(c.DefaultQuery("tail", "100"))
	if err != nil || tail < 1 {
		respondBadRequest(c, "tail must be a positive integer")
		return
	}
	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()
	logs, err := h.svc.ContainerLogs(ctx, c.Param("id"), tail)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"logs": logs})
}

// Action runs start, stop, restart, rebuild or delete on a container
func (h *ContainerHandler) Action(c *gin.Context) {
	action := c.Param("action")
	if !service.IsContainerAction(action) {
		respondBadRequest(c, "Invalid action: "+action)
		return
	}

	timeout := requestTimeout
	if action == service.ActionRebuild {
		timeout = rebuildTimeout
	}
	ctx, cancel := requestContext(c, timeout)
	defer cancel()

	if err := h.svc.ContainerAction(ctx, c.Param("id"), action, actorFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, "Container "+action+" successful")
}
