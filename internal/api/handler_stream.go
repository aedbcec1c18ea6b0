package api

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"irrigation-registry-backend/internal/session"
)

const streamKeepAlive = 15 * time.Second

// StreamDevice pushes status, reading and control updates of one device as
// server-sent events until the client disconnects.
func (h *Handler) StreamDevice(c *gin.Context) {
	d, ok := h.ownedDevice(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	sess := session.New(ctx, h.tracker, h.telemetry, h.control)
	defer sess.Close()
	if err := sess.Select(d.ID); err != nil {
		respondError(c, err)
		return
	}

	h.log.Debug("stream opened", zap.String("device", d.ID))
	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				return false
			}
			c.SSEvent(ev.Kind, ev)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", h.now().UTC())
			return true
		case <-ctx.Done():
			return false
		}
	})
	h.log.Debug("stream closed", zap.String("device", d.ID))
}
