package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type provisionRequest struct {
	ID        string `json:"id" binding:"required"`
	Name      string `json:"name"`
	SerialKey string `json:"serialKey" binding:"required"`
}

// ProvisionDevice creates or renames a manufactured device.
func (h *Handler) ProvisionDevice(c *gin.Context) {
	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "id and serialKey are required")
		return
	}
	d, err := h.registry.Provision(c.Request.Context(), req.ID, req.Name, req.SerialKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// ReconcileMirrors runs one registry mirror reconciliation sweep.
func (h *Handler) ReconcileMirrors(c *gin.Context) {
	res, err := h.registry.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
