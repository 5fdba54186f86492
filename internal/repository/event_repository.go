package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exproctor-backend/internal/config"
	"github.com/stemsi/exproctor-backend/internal/model"
)

// EventRepository fans session events out over Redis: live on the session
// and paper channels, durable through the audit queue.
type EventRepository struct {
	rdb *redis.Client
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(rdb *redis.Client) *EventRepository {
	return &EventRepository{rdb: rdb}
}

// Emit publishes ev and queues it for the audit worker in one round trip.
func (r *EventRepository) Emit(ctx context.Context, ev model.ExamEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pipe := r.rdb.Pipeline()
	pipe.Publish(ctx, config.CacheKey.SessionChannel(ev.SessionID.String()), raw)
	pipe.Publish(ctx, config.CacheKey.PaperMonitorChannel(ev.PaperID.String()), raw)
	pipe.RPush(ctx, config.WorkerKey.PersistEventsQueue, raw)
	_, err = pipe.Exec(ctx)
	return err
}

// SubscribeSession opens the live event stream of one session. The returned
// func closes the subscription.
func (r *EventRepository) SubscribeSession(ctx context.Context, sessionID uuid.UUID) (<-chan *redis.Message, func() error) {
	ps := r.rdb.Subscribe(ctx, config.CacheKey.SessionChannel(sessionID.String()))
	return ps.Channel(), ps.Close
}
