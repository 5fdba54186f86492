package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/config"
	"github.com/stemsi/exproctor-backend/internal/repository"
)

const (
	ScoreBatchSize    = 50
	ScoreBatchTimeout = 2 * time.Second
)

// ScoreSink applies evaluated scores to sessions. ExamSessionRepository
// implements it.
type ScoreSink interface {
	MarkEvaluatedBatch(ctx context.Context, ids []uuid.UUID, scores []float64) error
	MarkEvaluated(ctx context.Context, id uuid.UUID, score float64) error
}

// ScoreWorker retries score mirrors that failed right after evaluation.
type ScoreWorker struct {
	queue Queue
	sink  ScoreSink
	log   zerolog.Logger
}

func NewScoreWorker(queue Queue, sink ScoreSink, log zerolog.Logger) *ScoreWorker {
	return &ScoreWorker{
		queue: queue,
		sink:  sink,
		log:   log.With().Str("component", "score_worker").Logger(),
	}
}

type scorePayload struct {
	SessionID uuid.UUID `json:"session_id"`
	Score     float64   `json:"score"`
}

// Enqueue schedules a score mirror for retry.
func (w *ScoreWorker) Enqueue(ctx context.Context, sessionID uuid.UUID, score float64) error {
	raw, err := json.Marshal(scorePayload{SessionID: sessionID, Score: score})
	if err != nil {
		return err
	}
	return w.queue.Push(ctx, config.WorkerKey.PersistScoresQueue, raw)
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *ScoreWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ScoreWorker started")

	batch := make([]scorePayload, 0, ScoreBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= ScoreBatchSize || time.Since(lastFlush) >= ScoreBatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushSafe(shutdownCtx, batch)
			cancel()
			return

		default:
			raw, err := w.queue.Pop(ctx, config.WorkerKey.PersistScoresQueue, PollTimeout)
			if err != nil {
				if !errors.Is(err, errEmpty) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
					sleepCtx(ctx, 3*time.Second)
				}
				continue
			}

			var p scorePayload
			if err := json.Unmarshal(raw, &p); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}
			batch = append(batch, p)
		}
	}
}

// ----------------------------------------------------------------
// Bulk update with single-row fallback
// ----------------------------------------------------------------

func (w *ScoreWorker) flushSafe(ctx context.Context, batch []scorePayload) {
	if len(batch) == 0 {
		return
	}

	ids := make([]uuid.UUID, len(batch))
	scores := make([]float64, len(batch))
	for i, p := range batch {
		ids[i] = p.SessionID
		scores[i] = p.Score
	}

	err := w.sink.MarkEvaluatedBatch(ctx, ids, scores)
	if err == nil {
		w.log.Debug().Int("count", len(batch)).Msg("Score mirrors applied")
		return
	}
	w.log.Warn().Err(err).Msg("bulk score update failed, using fallback")

	var requeue [][]byte
	for _, p := range batch {
		err := w.sink.MarkEvaluated(ctx, p.SessionID, p.Score)
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrNotFound):
			w.log.Error().Str("session_id", p.SessionID.String()).Msg("Dropping score for unknown or unsubmitted session")
		default:
			w.log.Error().Err(err).Str("session_id", p.SessionID.String()).Msg("persistSingle failed, requeueing")
			raw, _ := json.Marshal(p)
			requeue = append(requeue, raw)
		}
	}
	if err := w.queue.Push(ctx, config.WorkerKey.PersistScoresQueue, requeue...); err != nil {
		w.log.Error().Err(err).Int("count", len(requeue)).Msg("CRITICAL: Failed to requeue scores")
	}
}
