package web

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/keepawake/keepawake/internal/config"
	"github.com/keepawake/keepawake/internal/database"
	"github.com/keepawake/keepawake/internal/models"
	"github.com/keepawake/keepawake/internal/reporter"
	"github.com/keepawake/keepawake/internal/tracker"
	"github.com/keepawake/keepawake/pkg/utils"
	"github.com/keepawake/keepawake/pkg/wakelock"
)

// LockService is the lock control surface exposed over HTTP
type LockService interface {
	Request(ctx context.Context, kind wakelock.Kind) tracker.Status
	Release(ctx context.Context) (tracker.Status, error)
	Destroy(ctx context.Context) (tracker.Status, error)
	Status() tracker.Status
}

// LockRequest is the body of POST /api/lock
type LockRequest struct {
	Kind string `json:"kind"`
}

type Handler struct {
	config   *config.Config
	repo     *database.Repository
	lock     LockService
	reporter *reporter.Reporter
	logger   zerolog.Logger
}

func NewHandler(cfg *config.Config, repo *database.Repository, lock LockService, logger zerolog.Logger) *Handler {
	return &Handler{
		config:   cfg,
		repo:     repo,
		lock:     lock,
		reporter: reporter.New(cfg, repo),
		logger:   logger.With().Str("component", "web").Logger(),
	}
}

// RegisterRoutes registers the API and dashboard routes
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/status", h.handleStatus)
	api.POST("/lock", h.handleRequest)
	api.POST("/lock/release", h.handleRelease)
	api.DELETE("/lock", h.handleDestroy)
	api.GET("/events", h.handleEvents)
	api.GET("/events/latest", h.handleLatestEvent)
	api.GET("/report", h.handleReport)
	api.GET("/summary", h.handleSummary)

	router.GET("/health", h.handleHealth)
	router.GET("/", h.handleIndex)
}

func (h *Handler) handleStatus(c *gin.Context) {
	latestEvent, err := h.repo.GetLatestEvent()
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to fetch latest event")
	}

	status := gin.H{
		"lock":            h.lock.Status(),
		"sample_interval": h.config.Tracker.SampleInterval.String(),
		"database_path":   h.config.Database.Path,
	}
	if latestEvent != nil {
		status["latest_event"] = latestEvent
	}

	c.JSON(http.StatusOK, status)
}

func (h *Handler) handleRequest(c *gin.Context) {
	var req LockRequest
	// an empty body requests the default kind
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
			return
		}
	}

	kind := wakelock.Kind(req.Kind)
	if kind == "" {
		kind = wakelock.Kind(h.config.Lock.Kind)
	}

	status := h.lock.Request(c.Request.Context(), kind)
	switch {
	case !status.Supported:
		c.JSON(http.StatusNotImplemented, status)
	case status.LastError != "":
		c.JSON(http.StatusBadGateway, status)
	default:
		c.JSON(http.StatusOK, status)
	}
}

func (h *Handler) handleRelease(c *gin.Context) {
	status, err := h.lock.Release(c.Request.Context())
	respondLock(c, status, err)
}

func (h *Handler) handleDestroy(c *gin.Context) {
	status, err := h.lock.Destroy(c.Request.Context())
	respondLock(c, status, err)
}

func respondLock(c *gin.Context, status tracker.Status, err error) {
	if errors.Is(err, wakelock.ErrNotRequested) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "lock": status})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) handleEvents(c *gin.Context) {
	limit := 100 // default
	if limitStr := c.Query("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = l
	}

	since := time.Now().Add(-24 * time.Hour)
	if periodType := c.Query("period"); periodType != "" {
		period, err := reporter.GetPeriod(periodType, time.Now().In(h.config.Location()))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		since = period.Start
	}

	events, err := h.repo.GetEventsSince(since, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to fetch events: %v", err)})
		return
	}
	if events == nil {
		events = []*models.LockEvent{}
	}

	c.JSON(http.StatusOK, events)
}

func (h *Handler) handleLatestEvent(c *gin.Context) {
	event, err := h.repo.GetLatestEvent()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to fetch latest event: %v", err)})
		return
	}

	if event == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no events found"})
		return
	}

	c.JSON(http.StatusOK, event)
}

func (h *Handler) handleReport(c *gin.Context) {
	report, ok := h.generateReport(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, report)
}

// handleSummary serves the held time of a period, as an HTML fragment for
// the dashboard or as JSON
func (h *Handler) handleSummary(c *gin.Context) {
	report, ok := h.generateReport(c)
	if !ok {
		return
	}

	if c.GetHeader("HX-Request") == "true" {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(summaryHTML(report)))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"period":          report.Period,
		"kinds":           report.Kinds,
		"held_seconds":    report.HeldSeconds,
		"tracked_seconds": report.TrackedSeconds,
		"held_percentage": report.HeldPercentage,
	})
}

func (h *Handler) generateReport(c *gin.Context) (*models.Report, bool) {
	periodType := c.DefaultQuery("period", "day")
	if _, err := reporter.GetPeriod(periodType, time.Now()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}

	report, err := h.reporter.GenerateReport(periodType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to generate report: %v", err)})
		return nil, false
	}
	return report, true
}

func summaryHTML(report *models.Report) string {
	if len(report.Kinds) == 0 {
		return `<div class="loading">No wake lock held</div>`
	}

	var b strings.Builder
	b.WriteString(`<div class="listing">`)
	for _, kind := range report.Kinds {
		fmt.Fprintf(&b, `
		<div class="kind-item" style="--bar-width: %.1f%%">
			<span class="kind-name">%s</span>
			<span class="kind-time">%s</span>
		</div>`,
			kind.Percentage,
			html.EscapeString(kind.Kind),
			utils.FormatRoundedUnit(time.Duration(kind.HeldSeconds)*time.Second))
	}
	b.WriteString(`</div>`)

	fmt.Fprintf(&b, `<div class="total">Held: %s of %s (%.1f%%)</div>`,
		utils.FormatRoundedUnit(time.Duration(report.HeldSeconds)*time.Second),
		utils.FormatRoundedUnit(time.Duration(report.TrackedSeconds)*time.Second),
		report.HeldPercentage)

	return b.String()
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (h *Handler) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Keepawake</title>
    <script src="https://unpkg.com/htmx.org@1.9.10"></script>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #f5f5f5;
            padding: 20px;
            color: #333;
        }

        .controls {
            display: flex;
            gap: 10px;
            margin-bottom: 30px;
        }

        .dashboard {
            display: flex;
            gap: 20px;
            flex-wrap: wrap;
        }

        .report-box {
            flex: 1;
            min-width: 300px;
            background: white;
            border-radius: 8px;
            box-shadow: 0 2px 4px rgba(0,0,0,0.1);
            padding: 24px;
        }

        .kind-item {
            display: flex;
            justify-content: space-between;
            padding: 12px 8px;
            border-bottom: 1px solid #eee;
        }

        .loading {
            color: #7f8c8d;
            font-style: italic;
        }

        .total {
            margin-top: 20px;
            font-weight: 600;
        }
    </style>
</head>
<body>
    <h1>Keepawake</h1>
    <div class="controls">
        <button hx-post="/api/lock" hx-swap="none">Keep awake</button>
        <button hx-post="/api/lock/release" hx-swap="none">Release</button>
        <button hx-delete="/api/lock" hx-swap="none">Destroy</button>
    </div>
    <div class="dashboard">
        <div class="report-box">
            <h2>Today</h2>
            <div hx-get="/api/summary?period=today" hx-trigger="load, every 30s" hx-swap="innerHTML">
                <div class="loading">Loading...</div>
            </div>
        </div>
        <div class="report-box">
            <h2>This Week</h2>
            <div hx-get="/api/summary?period=week" hx-trigger="load, every 30s" hx-swap="innerHTML">
                <div class="loading">Loading...</div>
            </div>
        </div>
        <div class="report-box">
            <h2>This Month</h2>
            <div hx-get="/api/summary?period=month" hx-trigger="load, every 30s" hx-swap="innerHTML">
                <div class="loading">Loading...</div>
            </div>
        </div>
    </div>
</body>
</html>`
