package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/mw"
)

type deviceView struct {
	model.Device
	Online     bool       `json:"online"`
	LastActive *time.Time `json:"lastActive"`
}

func (h *Handler) view(d model.Device) deviceView {
	st := h.tracker.Status(d.ID, h.now())
	return deviceView{Device: d, Online: st.Online, LastActive: st.LastActive}
}

// ListDevices returns the caller's devices with their liveness.
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.registry.ListOwned(c.Request.Context(), mw.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, h.view(d))
	}
	c.JSON(http.StatusOK, gin.H{"devices": views})
}

type registerRequest struct {
	DeviceID  string `json:"deviceId" binding:"required"`
	SerialKey string `json:"serialKey" binding:"required"`
}

// RegisterDevice claims a pre-provisioned device for the caller.
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "deviceId and serialKey are required")
		return
	}
	d, err := h.registry.Register(c.Request.Context(), req.DeviceID, mw.UserID(c), req.SerialKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.view(d))
}

// ReleaseDevice gives up the caller's ownership of a device.
func (h *Handler) ReleaseDevice(c *gin.Context) {
	if err := h.registry.Release(c.Request.Context(), c.Param("id"), mw.UserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetDeviceStatus reports whether the device is online.
func (h *Handler) GetDeviceStatus(c *gin.Context) {
	d, ok := h.ownedDevice(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.tracker.Status(d.ID, h.now()))
}

// GetLatestReading returns the device's live reading.
func (h *Handler) GetLatestReading(c *gin.Context) {
	d, ok := h.ownedDevice(c)
	if !ok {
		return
	}
	r, err := h.telemetry.Latest(c.Request.Context(), d.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}
