// Package api serves the pool's HTTP surface: hash records, coordination
// server bootstrap, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/orepool/internal/hashes"
	"github.com/bardlex/orepool/pkg/log"
)

// Starter starts the coordination server on first use
type Starter interface {
	EnsureStarted(ctx context.Context) error
}

// Options configures optional endpoints
type Options struct {
	// Health reports backend health for /health. Nil always reports healthy.
	Health func(ctx context.Context) error
	// Stats backs /api/stats. Nil disables the route.
	Stats func(ctx context.Context) (any, error)
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

type handler struct {
	store   hashes.Store
	starter Starter
	logger  *log.Logger
	opts    Options
}

// NewRouter builds the gin engine
func NewRouter(store hashes.Store, starter Starter, logger *log.Logger, opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	h := &handler{
		store:   store,
		starter: starter,
		logger:  logger.WithComponent("api"),
		opts:    opts,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(h.requestLogger())

	router.GET("/health", h.health)
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.GET("/hashes", h.listHashes)
	api.POST("/hashes", h.createHash)
	api.GET("/hashes/:id", h.getHash)
	api.GET("/ws", h.startServer)
	if opts.Stats != nil {
		api.GET("/stats", h.stats)
	}

	return router
}

// requestLogger tags each request with an id and logs it on completion
func (h *handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-ID", reqID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), log.RequestIDKey, reqID))

		c.Next()

		h.logger.WithContext(c.Request.Context()).Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", float64(time.Since(start))/float64(time.Millisecond),
		)
	}
}

func (h *handler) health(c *gin.Context) {
	if h.opts.Health != nil {
		if err := h.opts.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *handler) listHashes(c *gin.Context) {
	var filter hashes.ListFilter

	if status := c.Query("status"); status != "" {
		filter.Status = hashes.Status(strings.ToUpper(status))
		if !filter.Status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
			return
		}
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		filter.Limit = n
	}

	records, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).WithError(err).Error("failed to fetch hashes")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch hashes"})
		return
	}
	if records == nil {
		records = []*hashes.Record{}
	}
	c.JSON(http.StatusOK, records)
}

// createHashRequest mirrors submit_hash without the nonce requirement.
// A zero difficulty counts as missing.
type createHashRequest struct {
	Hash         string  `json:"hash"         binding:"required"`
	Difficulty   int64   `json:"difficulty"   binding:"required"`
	MinerAddress string  `json:"minerAddress" binding:"required"`
	Nonce        *string `json:"nonce"`
}

func (h *handler) createHash(c *gin.Context) {
	var req createHashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindErrorMessage(err)})
		return
	}
	if req.Difficulty < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "difficulty cannot be negative"})
		return
	}

	rec, err := h.store.Create(c.Request.Context(), hashes.NewSubmission{
		Hash:         req.Hash,
		Difficulty:   req.Difficulty,
		MinerAddress: req.MinerAddress,
		Nonce:        req.Nonce,
	})
	if err != nil {
		h.logger.WithContext(c.Request.Context()).WithError(err).Error("failed to save hash")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save hash"})
		return
	}

	h.logger.WithContext(c.Request.Context()).LogHashSubmission(rec.ID, rec.MinerAddress, rec.Difficulty, false)
	c.JSON(http.StatusOK, rec)
}

// bindErrorMessage tells an unreadable body from one missing fields
func bindErrorMessage(err error) string {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.Is(err, io.EOF) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return "Invalid request body"
	}
	return "Missing required fields"
}

func (h *handler) getHash(c *gin.Context) {
	rec, err := h.store.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, hashes.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Hash not found"})
			return
		}
		h.logger.WithContext(c.Request.Context()).WithError(err).Error("failed to fetch hash")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch hash"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) startServer(c *gin.Context) {
	if err := h.starter.EnsureStarted(context.WithoutCancel(c.Request.Context())); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "WebSocket server failed to start",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "WebSocket server is running"})
}

func (h *handler) stats(c *gin.Context) {
	stats, err := h.opts.Stats(c.Request.Context())
	if err != nil {
		h.logger.WithContext(c.Request.Context()).WithError(err).Error("failed to fetch stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
