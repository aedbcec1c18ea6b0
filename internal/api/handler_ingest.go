package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"irrigation-registry-backend/internal/model"
)

// DeviceKeyHeader carries the serial key on device HTTP ingest.
const DeviceKeyHeader = "X-Device-Key"

const maxIngestBody = 64 << 10

func (h *Handler) authenticateDevice(c *gin.Context) (model.Device, []byte, bool) {
	d, err := h.registry.AuthenticateDevice(c.Request.Context(), c.Param("id"), c.GetHeader(DeviceKeyHeader))
	if err != nil {
		respondError(c, err)
		return model.Device{}, nil, false
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngestBody))
	if err != nil {
		badRequest(c, "unreadable body")
		return model.Device{}, nil, false
	}
	h.ingestor.MarkKnown(d.ID)
	return d, raw, true
}

// IngestHeartbeat accepts a heartbeat envelope from firmware without MQTT.
func (h *Handler) IngestHeartbeat(c *gin.Context) {
	d, raw, ok := h.authenticateDevice(c)
	if !ok {
		return
	}
	if err := h.ingestor.HandleHeartbeat(c.Request.Context(), d.ID, "http", raw); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// IngestReading accepts a readings envelope from firmware without MQTT.
func (h *Handler) IngestReading(c *gin.Context) {
	d, raw, ok := h.authenticateDevice(c)
	if !ok {
		return
	}
	if err := h.ingestor.HandleReading(c.Request.Context(), d.ID, "http", raw); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
