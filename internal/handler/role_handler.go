package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lexicon-cms/lexicon-api/internal/service"
	"github.com/lexicon-cms/lexicon-api/pkg/response"
)

// RoleHandler exposes the read-only role catalog.
type RoleHandler struct {
	service *service.RoleService
}

// NewRoleHandler creates a new role handler.
func NewRoleHandler(svc *service.RoleService) *RoleHandler {
	return &RoleHandler{service: svc}
}

// List godoc
// @Summary List roles
// @Description List all roles with their permission bundles
// @Tags Roles
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /roles [get]
func (h *RoleHandler) List(c *gin.Context) {
	roles, err := h.service.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, roles, nil)
}
