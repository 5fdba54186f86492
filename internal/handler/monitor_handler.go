package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/config"
	"github.com/stemsi/exproctor-backend/internal/response"
	"github.com/stemsi/exproctor-backend/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

type MonitorHandler struct {
	rdb            *redis.Client
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(rdb *redis.Client, monitorService *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:            rdb,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorPaperSSE godoc
// GET /api/v1/admin/papers/:paper_id/monitor
// Streams a snapshot, then every session event of the paper, with periodic
// progress refreshes.
func (h *MonitorHandler) MonitorPaperSSE(c *gin.Context) {
	paperID, ok := parseUUIDParam(c, "paper_id")
	if !ok {
		return
	}

	reqCtx := c.Request.Context()
	exists, err := h.monitorService.PaperExists(reqCtx, paperID)
	if err != nil {
		failFromError(c, h.log, err, "Failed to check paper")
		return
	}
	if !exists {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	// SSE headers
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Subscribe before the snapshot so no event falls between the two.
	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.PaperMonitorChannel(paperID.String()))
	defer pubsub.Close()
	ch := pubsub.Channel()

	totalQuestions := h.sendSnapshot(c, reqCtx, paperID)

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	h.log.Info().Str("paper_id", paperID.String()).Msg("Proctor attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("paper_id", paperID.String()).Msg("Proctor disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward the raw event JSON
			writeSSEData(c, []byte(msg.Payload))

		case <-refreshTicker.C:
			h.sendRefresh(c, reqCtx, paperID, totalQuestions)

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

func writeSSEData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

// sendSnapshot writes the first SSE event and returns the paper's question count.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, parentCtx context.Context, paperID uuid.UUID) int {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snap, err := h.monitorService.GetPaperSnapshot(ctx, paperID)
	if err != nil {
		h.log.Warn().Err(err).Str("paper_id", paperID.String()).Msg("Failed to build monitor snapshot")
		snap = &service.PaperSnapshot{PaperID: paperID}
	}

	c.SSEvent("message", map[string]any{
		"type": "snapshot",
		"data": snap,
	})
	c.Writer.Flush()
	return snap.TotalQuestions
}

// sendRefresh polls current progress and sends a compact refresh event.
func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, paperID uuid.UUID, totalQuestions int) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	progress, err := h.monitorService.GetProgress(ctx, paperID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to fetch session progress for refresh")
		return
	}

	// Single pass over answered counts, then sessions that only have alerts.
	rows := make([]map[string]any, 0, len(progress.AnsweredCounts)+len(progress.AlertCounts))
	for sid, answered := range progress.AnsweredCounts {
		rows = append(rows, map[string]any{
			"session_id":     sid,
			"answered_count": answered,
			"alert_count":    progress.AlertCounts[sid],
		})
		delete(progress.AlertCounts, sid)
	}
	for sid, alerts := range progress.AlertCounts {
		rows = append(rows, map[string]any{
			"session_id":     sid,
			"answered_count": int64(0),
			"alert_count":    alerts,
		})
	}

	c.SSEvent("message", map[string]any{
		"type":            "refresh",
		"total_questions": totalQuestions,
		"total_alerts":    progress.TotalAlerts,
		"sessions":        rows,
	})
	c.Writer.Flush()
}
