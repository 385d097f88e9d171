package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/web-casa/dockwatch/internal/model"
)

// AuditHandler handles audit log queries
type AuditHandler struct {
	db *gorm.DB
}

func NewAuditHandler(db *gorm.DB) *AuditHandler {
	return &AuditHandler{db: db}
}

// List returns audit logs with pagination, newest first
func (h *AuditHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 50
	}

	kind := c.Query("kind")
	scoped := func() *gorm.DB {
		q := h.db.Model(&model.AuditLog{})
		if kind != "" {
			q = q.Where("target_kind = ?", kind)
		}
		return q
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		respondError(c, err)
		return
	}

	logs := []model.AuditLog{}
	if err := scoped().Order("created_at DESC").Order("id DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&logs).Error; err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}
