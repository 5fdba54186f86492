package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exproctor-backend/internal/config"
	"github.com/stemsi/exproctor-backend/internal/model"
)

const (
	// LedgerActiveTTL bounds the mirror of a session that is never closed.
	LedgerActiveTTL = 12 * time.Hour
	// LedgerClosedTTL is how long a closed session's ledger stays for review.
	LedgerClosedTTL = 24 * time.Hour
)

// LedgerRepository mirrors the in-memory violation ledger into Redis so a
// restarted process resumes counts and cooldowns.
type LedgerRepository struct {
	rdb *redis.Client
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(rdb *redis.Client) *LedgerRepository {
	return &LedgerRepository{rdb: rdb}
}

func ledgerKeys(sessionID uuid.UUID) (counts, fired, recent string) {
	id := sessionID.String()
	return config.CacheKey.SessionLedgerCountsKey(id),
		config.CacheKey.SessionLedgerFiredKey(id),
		config.CacheKey.SessionLedgerRecentKey(id)
}

// Load returns the mirrored ledger, or nil when none exists.
func (r *LedgerRepository) Load(ctx context.Context, sessionID uuid.UUID) (*model.LedgerState, error) {
	countsKey, firedKey, recentKey := ledgerKeys(sessionID)

	pipe := r.rdb.Pipeline()
	countsCmd := pipe.HGetAll(ctx, countsKey)
	firedCmd := pipe.HGetAll(ctx, firedKey)
	recentCmd := pipe.LRange(ctx, recentKey, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	counts := countsCmd.Val()
	recent := recentCmd.Val()
	if len(counts) == 0 && len(recent) == 0 {
		return nil, nil
	}

	state := &model.LedgerState{
		Counts:      make(map[string]int, len(counts)),
		LastFiredAt: make(map[string]time.Time, len(counts)),
		Recent:      make([]model.AlertEntry, 0, len(recent)),
	}
	for t, v := range counts {
		if n, err := strconv.Atoi(v); err == nil {
			state.Counts[t] = n
		}
	}
	for t, v := range firedCmd.Val() {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			state.LastFiredAt[t] = time.UnixMilli(ms).UTC()
		}
	}
	for _, raw := range recent {
		var e model.AlertEntry
		if err := json.Unmarshal([]byte(raw), &e); err == nil {
			state.Recent = append(state.Recent, e)
		}
	}
	return state, nil
}

// Record writes one counted alert: its count, its fire time and the recent
// log entry, trimmed to recentCap.
func (r *LedgerRepository) Record(ctx context.Context, sessionID uuid.UUID, alertType string, count int, firedAt time.Time, entry model.AlertEntry, recentCap int) error {
	countsKey, firedKey, recentKey := ledgerKeys(sessionID)
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, countsKey, alertType, count)
	pipe.HSet(ctx, firedKey, alertType, firedAt.UnixMilli())
	pipe.LPush(ctx, recentKey, raw)
	pipe.LTrim(ctx, recentKey, 0, int64(recentCap-1))
	for _, k := range []string{countsKey, firedKey, recentKey} {
		pipe.Expire(ctx, k, LedgerActiveTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Expire keeps a closed session's ledger for LedgerClosedTTL.
func (r *LedgerRepository) Expire(ctx context.Context, sessionID uuid.UUID) error {
	countsKey, firedKey, recentKey := ledgerKeys(sessionID)
	pipe := r.rdb.Pipeline()
	for _, k := range []string{countsKey, firedKey, recentKey} {
		pipe.Expire(ctx, k, LedgerClosedTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes the mirrored ledger.
func (r *LedgerRepository) Delete(ctx context.Context, sessionID uuid.UUID) error {
	countsKey, firedKey, recentKey := ledgerKeys(sessionID)
	return r.rdb.Del(ctx, countsKey, firedKey, recentKey).Err()
}
