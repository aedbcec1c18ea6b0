package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/mw"
)

// GetControls returns mode, manual pump status and schedule.
func (h *Handler) GetControls(c *gin.Context) {
	d, ok := h.ownedDevice(c)
	if !ok {
		return
	}
	ctrls, err := h.control.Controls(c.Request.Context(), d.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ctrls)
}

// AdvanceMode moves the pump to the next mode in the cycle.
func (h *Handler) AdvanceMode(c *gin.Context) {
	tr, err := h.control.AdvanceMode(c.Request.Context(), c.Param("id"), mw.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

type setModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// SetMode switches the pump to an explicit mode.
func (h *Handler) SetMode(c *gin.Context) {
	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "mode is required")
		return
	}
	mode, err := model.ParsePumpMode(req.Mode)
	if err != nil {
		respondError(c, err)
		return
	}
	tr, err := h.control.SetMode(c.Request.Context(), c.Param("id"), mw.UserID(c), mode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

type setPumpRequest struct {
	On *bool `json:"on" binding:"required"`
}

// SetPumpStatus switches the pump on or off in manual mode.
func (h *Handler) SetPumpStatus(c *gin.Context) {
	var req setPumpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "on is required")
		return
	}
	if err := h.control.SetPumpStatus(c.Request.Context(), c.Param("id"), mw.UserID(c), *req.On); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pumpStatus": *req.On})
}

type addScheduleRequest struct {
	Time string `json:"time" binding:"required"`
}

// AddScheduleEntry adds a daily watering time.
func (h *Handler) AddScheduleEntry(c *gin.Context) {
	var req addScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "time is required")
		return
	}
	entry, err := h.control.AddScheduleEntry(c.Request.Context(), c.Param("id"), mw.UserID(c), req.Time)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// RemoveScheduleEntry deletes a watering time by its HH:MM key.
func (h *Handler) RemoveScheduleEntry(c *gin.Context) {
	if err := h.control.RemoveScheduleEntry(c.Request.Context(), c.Param("id"), mw.UserID(c), c.Param("key")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
