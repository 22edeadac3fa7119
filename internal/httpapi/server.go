package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"market-watch/internal/apperrors"
	"market-watch/internal/models"
	"market-watch/internal/services/query"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	requestIDContextKey = "request_id"
	requestIDHeaderKey  = "X-Request-ID"
	requestTimeout      = 30 * time.Second
)

// Handler serves the REST surface next to the gRPC server.
type Handler struct {
	querySvc  *query.Service
	version   string
	startTime time.Time
	logger    *logrus.Logger
}

func NewHandler(querySvc *query.Service, version string, logger *logrus.Logger) *Handler {
	return &Handler{
		querySvc:  querySvc,
		version:   version,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Routes returns the engine with every endpoint registered.
func (h *Handler) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(h.loggerMiddleware())
	router.Use(gin.Recovery())

	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.GET("/series", h.series)
	v1.GET("/states", h.states)
	v1.GET("/history", h.history)
	v1.GET("/stats", h.stats)
	v1.POST("/sync", h.sync)

	return router
}

func (h *Handler) health(c *gin.Context) {
	failing := []string{}
	for _, st := range h.querySvc.States() {
		if st.LastError != "" {
			failing = append(failing, st.Platform.String())
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"healthy":        len(failing) == 0,
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"failing":        failing,
	})
}

// series handles /api/v1/series?exchange=bitstamp&pair=BTC_USD&interval=15m[&min_time=&max_time=&fetch=true]
func (h *Handler) series(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	platform, err := platformFrom(c.Query("exchange"), c.Query("pair"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	req := query.Request{
		Platform: platform,
		Interval: c.Query("interval"),
		Fetch:    c.Query("fetch") == "true",
	}
	if req.MinTime, err = int64Param(c.Query("min_time")); err != nil {
		h.handleError(c, err)
		return
	}
	if req.MaxTime, err = int64Param(c.Query("max_time")); err != nil {
		h.handleError(c, err)
		return
	}

	series, err := h.querySvc.GetSeries(ctx, req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, series.ToResponse())
}

func (h *Handler) states(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"states": h.querySvc.States()})
}

// history handles /api/v1/history?exchange=&pair=&interval=&start_time=&end_time=&limit=
func (h *Handler) history(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	platform, err := platformFrom(c.Query("exchange"), c.Query("pair"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	end := time.Now()
	if v, err := int64Param(c.Query("end_time")); err != nil {
		h.handleError(c, err)
		return
	} else if v > 0 {
		end = time.Unix(v, 0)
	}
	start := end.Add(-24 * time.Hour)
	if v, err := int64Param(c.Query("start_time")); err != nil {
		h.handleError(c, err)
		return
	} else if v > 0 {
		start = time.Unix(v, 0)
	}
	limit := 1000
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 10000 {
		limit = v
	}

	candles, err := h.querySvc.History(ctx, platform, c.Query("interval"), start, end, limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exchange": platform.Exchange,
		"pair":     platform.Pair.String(),
		"candles":  candles,
	})
}

func (h *Handler) stats(c *gin.Context) {
	stats := h.querySvc.Stats(c.Request.Context())
	stats["uptime_seconds"] = int64(time.Since(h.startTime).Seconds())
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) sync(c *gin.Context) {
	inserted, err := h.querySvc.TriggerSync(c.Request.Context())
	resp := gin.H{"inserted": inserted}
	if err != nil {
		resp["error"] = err.Error()
		resp["kind"] = apperrors.Kind(err)
		c.JSON(http.StatusBadGateway, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleError maps error kinds to status codes and logs server-side failures.
func (h *Handler) handleError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case query.IsClientError(err):
		code = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrConnector):
		code = http.StatusBadGateway
	case apperrors.IsCancelled(err):
		code = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code >= http.StatusInternalServerError {
		h.logger.WithFields(logrus.Fields{
			"request_id": c.GetString(requestIDContextKey),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
		}).WithError(err).Warn("HTTP request failed")
	}
	c.JSON(code, gin.H{"error": err.Error(), "kind": apperrors.Kind(err)})
}

func platformFrom(exchange, pair string) (models.Platform, error) {
	if exchange == "" {
		return models.Platform{}, fmt.Errorf("%w: exchange is required", apperrors.ErrInvalidConfiguration)
	}
	p, err := models.ParsePair(pair)
	if err != nil {
		return models.Platform{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfiguration, err)
	}
	return models.NewPlatform(exchange, p), nil
}

func int64Param(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a unix time", apperrors.ErrInvalidConfiguration, v)
	}
	return n, nil
}
