package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trducng/theflow/runtime/store"
)

// ErrCallClaimed is returned when a remote call id was already picked up.
var ErrCallClaimed = errors.New("remote call already claimed")

// BackendHandler is the server side of the HTTP backend. A client leaves a
// RemoteCall in the shared cache and sends its id; the handler runs the call
// in-process and writes the result back under the same id.
type BackendHandler struct {
	component Component
	ctx       *store.Context
	logger    *slog.Logger
	engine    *gin.Engine

	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewBackendHandler serves c over HTTP. cache must be the cache the clients'
// runs share.
func NewBackendHandler(c Component, cache store.Cache, logger *slog.Logger) (*BackendHandler, error) {
	ctx, err := store.NewContext(cache)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &BackendHandler{
		component: c,
		ctx:       ctx,
		logger:    logger,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "theflow_backend_requests_total",
			Help: "Remote node calls served, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "theflow_backend_request_duration_seconds",
			Help:    "Duration of remote node calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(h.requests, h.duration)

	h.engine = gin.New()
	h.engine.Use(gin.Recovery())
	h.engine.GET("/", h.handleCall)
	h.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	return h, nil
}

func (h *BackendHandler) Engine() *gin.Engine { return h.engine }

func (h *BackendHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.engine.ServeHTTP(w, r)
}

func (h *BackendHandler) handleCall(c *gin.Context) {
	start := time.Now()
	defer func() { h.duration.Observe(time.Since(start).Seconds()) }()

	id := c.Query("id")
	if id == "" {
		h.requests.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing id"})
		return
	}

	call, err := h.claim(id)
	if errors.Is(err, ErrCallClaimed) {
		h.logger.Warn("Refusing repeated remote call", "id", id)
		h.requests.WithLabelValues("duplicate").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("Failed to read remote call", "id", id, "error", err)
		h.requests.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out, err := Resume(c.Request.Context(), h.component, call.State, call.Input(), h.ctx)
	if err != nil {
		h.logger.Error("Remote call failed",
			"id", id,
			"flow", call.State.FlowName,
			"run_id", call.State.RunID,
			"error", err.Error())
		call.Error = err.Error()
		if setErr := h.ctx.Set(id, call.ToMap(), ""); setErr != nil {
			h.logger.Warn("Failed to record remote error", "id", id, "error", setErr)
		}
		h.requests.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	call.Done = true
	call.Result = out
	if err := h.ctx.Set(id, call.ToMap(), ""); err != nil {
		h.logger.Error("Failed to store remote result", "id", id, "error", err)
		h.requests.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.requests.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, id)
}

// claim marks the call under id as started and returns it.
func (h *BackendHandler) claim(id string) (RemoteCall, error) {
	var call RemoteCall
	_, err := h.ctx.Update(id, "", func(current any, ok bool) (any, error) {
		if !ok || current == nil {
			return nil, fmt.Errorf("no remote call with id %s", id)
		}
		stored, err := DecodeRemoteCall(current)
		if err != nil {
			return nil, err
		}
		if stored.Started {
			return nil, fmt.Errorf("%w: %s", ErrCallClaimed, id)
		}
		stored.Started = true
		call = stored
		return stored.ToMap(), nil
	})
	return call, err
}
