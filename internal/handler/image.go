package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/dockwatch/internal/model"
)

// ImageHandler serves the image and prune endpoints
type ImageHandler struct {
	svc DockerService
}

// NewImageHandler creates an ImageHandler
func NewImageHandler(svc DockerService) *ImageHandler {
	return &ImageHandler{svc: svc}
}

// List returns all local images
func (h *ImageHandler) List(c *gin.Context) {
	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()
	images, err := h.svc.ListImages(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	if images == nil {
		images = []model.Image{}
	}
	respond(c, http.StatusOK, images)
}

// Delete removes an image; ?force=true removes it even if tagged or in use
func (h *ImageHandler) Delete(c *gin.Context) {
	force := c.Query("force") == "true"
	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()
	if err := h.svc.RemoveImage(ctx, c.Param("id"), force, actorFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, "Image deleted successfully")
}

// History returns the layer history of an image
func (h *ImageHandler) History(c *gin.Context) {
	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()
	history, err := h.svc.ImageHistory(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if history == nil {
		history = []model.ImageHistoryEntry{}
	}
	respond(c, http.StatusOK, gin.H{"history": history})
}

// Prune removes unused containers, images, volumes or networks
func (h *ImageHandler) Prune(c *gin.Context) {
	ctx, cancel := requestContext(c, rebuildTimeout)
	defer cancel()
	report, err := h.svc.Prune(ctx, c.Param("kind"), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, report)
}
