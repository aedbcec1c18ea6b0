package api

import (
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/control"
	"irrigation-registry-backend/internal/ingest"
	"irrigation-registry-backend/internal/liveness"
	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/mw"
	"irrigation-registry-backend/internal/registry"
	"irrigation-registry-backend/internal/report"
	"irrigation-registry-backend/internal/store"
	"irrigation-registry-backend/internal/telemetry"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store     store.Store
	registry  *registry.Registry
	tracker   *liveness.Tracker
	telemetry *telemetry.Service
	control   *control.Controller
	reports   *report.Aggregator
	ingestor  *ingest.Ingestor
	webpush   *webpush.Options
	log       *zap.Logger
	now       func() time.Time
}

// Deps lists the services the API exposes.
type Deps struct {
	Store     store.Store
	Registry  *registry.Registry
	Tracker   *liveness.Tracker
	Telemetry *telemetry.Service
	Control   *control.Controller
	Reports   *report.Aggregator
	Ingestor  *ingest.Ingestor
	WebPush   *webpush.Options
	Log       *zap.Logger
	Now       func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		store:     d.Store,
		registry:  d.Registry,
		tracker:   d.Tracker,
		telemetry: d.Telemetry,
		control:   d.Control,
		reports:   d.Reports,
		ingestor:  d.Ingestor,
		webpush:   d.WebPush,
		log:       d.Log,
		now:       d.Now,
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// respondError writes the error body the dashboard uses to show the specific
// failure reason. Unclassified errors are logged and hidden.
func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": apperr.Code(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": apperr.Code(apperr.ErrInvalidArgument)})
}

const deviceKey = "device"

// ownedDevice authorizes the caller against the :id path parameter, reusing
// the result of RequireOwner when it already ran.
func (h *Handler) ownedDevice(c *gin.Context) (model.Device, bool) {
	if v, ok := c.Get(deviceKey); ok {
		return v.(model.Device), true
	}
	d, err := h.registry.Authorize(c.Request.Context(), c.Param("id"), mw.UserID(c))
	if err != nil {
		respondError(c, err)
		return model.Device{}, false
	}
	return d, true
}

// RequireOwner authorizes :id before later middleware such as the response
// cache can answer, so a released device stops being readable immediately.
func (h *Handler) RequireOwner(c *gin.Context) {
	d, ok := h.ownedDevice(c)
	if !ok {
		return
	}
	c.Set(deviceKey, d)
	c.Next()
}
