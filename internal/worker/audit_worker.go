package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/config"
	"github.com/stemsi/exproctor-backend/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
)

// EventSink persists audit events. ExamLogRepository implements it.
type EventSink interface {
	CopyEvents(ctx context.Context, events []model.ExamEvent) error
	InsertEvent(ctx context.Context, ev model.ExamEvent) error
}

// AuditWorker drains persist_events_queue into exam_logs in batches.
type AuditWorker struct {
	queue Queue
	sink  EventSink
	log   zerolog.Logger

	requeueBackoff time.Duration
}

func NewAuditWorker(queue Queue, sink EventSink, log zerolog.Logger) *AuditWorker {
	return &AuditWorker{
		queue:          queue,
		sink:           sink,
		log:            log.With().Str("component", "audit_worker").Logger(),
		requeueBackoff: 2 * time.Second,
	}
}

func (w *AuditWorker) Start(ctx context.Context) {
	w.log.Info().Msg("AuditWorker started")

	buffer := make([]model.ExamEvent, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from the queue
		raw, err := w.queue.Pop(ctx, config.WorkerKey.PersistEventsQueue, PollTimeout)
		if err != nil {
			if errors.Is(err, errEmpty) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}

		// 4. Decode; malformed payloads can never succeed, so drop them
		var ev model.ExamEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			w.log.Error().Err(err).Str("data", string(raw)).Msg("Discarding malformed event")
			continue
		}
		buffer = append(buffer, ev)
	}
}

// flushSafe attempts a bulk COPY, then row-by-row insert, then requeue.
func (w *AuditWorker) flushSafe(ctx context.Context, batch []model.ExamEvent) {
	if len(batch) == 0 {
		return
	}
	if err := w.sink.CopyEvents(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func (w *AuditWorker) fallbackInsert(ctx context.Context, batch []model.ExamEvent) {
	var requeue [][]byte
	for _, ev := range batch {
		if err := w.sink.InsertEvent(ctx, ev); err != nil {
			w.log.Error().Err(err).
				Str("session_id", ev.SessionID.String()).
				Str("event", ev.Type).
				Msg("Insert failed, requeueing")
			raw, _ := json.Marshal(ev)
			requeue = append(requeue, raw)
		}
	}
	if len(requeue) == 0 {
		return
	}

	if err := w.queue.Push(ctx, config.WorkerKey.PersistEventsQueue, requeue...); err != nil {
		w.log.Error().Err(err).Int("count", len(requeue)).Msg("CRITICAL: Failed to requeue events. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(requeue)).Msg("Requeued failed events")
	// Avoid thrashing while the database is down.
	sleepCtx(ctx, w.requeueBackoff)
}

func (w *AuditWorker) shutdown(buffer []model.ExamEvent) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.flushSafe(shutdownCtx, buffer)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
