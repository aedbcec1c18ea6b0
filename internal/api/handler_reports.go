package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"irrigation-registry-backend/internal/report"
	"irrigation-registry-backend/internal/store"
)

func (h *Handler) window(c *gin.Context) (report.Window, bool) {
	w, err := report.ParseWindow(c.Query("window"))
	if err != nil {
		respondError(c, err)
		return "", false
	}
	return w, true
}

// GetSummary returns the averages of every field over the window.
func (h *Handler) GetSummary(c *gin.Context) {
	d, ok := h.ownedDevice(c)
	if !ok {
		return
	}
	w, ok := h.window(c)
	if !ok {
		return
	}
	sum, err := h.reports.Summary(c.Request.Context(), d.ID, w, h.now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// GetAverage returns the average of one field over the window.
func (h *Handler) GetAverage(c *gin.Context) {
	d, ok := h.ownedDevice(c)
	if !ok {
		return
	}
	w, ok := h.window(c)
	if !ok {
		return
	}
	field, err := store.ParseField(c.Query("field"))
	if err != nil {
		respondError(c, err)
		return
	}
	avg, err := h.reports.Average(c.Request.Context(), d.ID, field, w, h.now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceId": d.ID, "field": field, "window": w, "value": avg.Value, "count": avg.Count})
}

// GetHistory returns the readings of the window in ascending order.
func (h *Handler) GetHistory(c *gin.Context) {
	d, ok := h.ownedDevice(c)
	if !ok {
		return
	}
	w, ok := h.window(c)
	if !ok {
		return
	}
	history, err := h.reports.History(c.Request.Context(), d.ID, w, h.now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceId": d.ID, "window": w, "readings": history})
}

// GetEvents returns the most recent watering events.
func (h *Handler) GetEvents(c *gin.Context) {
	d, ok := h.ownedDevice(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events, err := h.reports.ListEvents(c.Request.Context(), d.ID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceId": d.ID, "events": events})
}
