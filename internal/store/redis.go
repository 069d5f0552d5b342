package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/internal/config"
	"yqhp/coordinator/pkg/jsonx"
	"yqhp/coordinator/pkg/types"
)

// Key layout. Hashes map record ID to a JSON body; lists keep append
// order; per-workflow sets make checkpoint appends idempotent.
const (
	keyInstances    = "coord:instances"
	keyArchived     = "coord:instances:archived"
	keyDeadLetters  = "coord:deadletters"
	keyTickets      = "coord:tickets"
	keyEvents       = "coord:events"
	keyCheckpoints  = "coord:ckpt:"     // + workflow ID, list
	keyCkptSeen     = "coord:ckptseen:" // + workflow ID, set
	redisDialWindow = 5 * time.Second
)

// Redis persists through a shared redis instance, for deployments where
// coordinator state must outlive a single host.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects and verifies the server is reachable.
func OpenRedis(cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialWindow)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return &Redis{client: client}, nil
}

// AppendCheckpoint implements Store.
func (r *Redis) AppendCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	added, err := r.client.SAdd(ctx, keyCkptSeen+cp.WorkflowID, cp.Key()).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}
	body, err := jsonx.Marshal(cp)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, keyCheckpoints+cp.WorkflowID, body).Err()
}

// ListCheckpoints implements Store.
func (r *Redis) ListCheckpoints(ctx context.Context, workflowID string) ([]types.Checkpoint, error) {
	raw, err := r.client.LRange(ctx, keyCheckpoints+workflowID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.Checkpoint, 0, len(raw))
	for _, body := range raw {
		var cp types.Checkpoint
		if err := jsonx.UnmarshalString(body, &cp); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// SaveInstance implements Store.
func (r *Redis) SaveInstance(ctx context.Context, inst *types.WorkflowInstance) error {
	body, err := jsonx.Marshal(inst)
	if err != nil {
		return err
	}
	archived, err := r.client.HExists(ctx, keyArchived, inst.ID).Result()
	if err != nil {
		return err
	}
	key := keyInstances
	if archived {
		key = keyArchived
	}
	return r.client.HSet(ctx, key, inst.ID, body).Err()
}

// GetInstance implements Store.
func (r *Redis) GetInstance(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	body, err := r.client.HGet(ctx, keyInstances, id).Result()
	if errors.Is(err, redis.Nil) {
		body, err = r.client.HGet(ctx, keyArchived, id).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var inst types.WorkflowInstance
	if err := jsonx.UnmarshalString(body, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances implements Store.
func (r *Redis) ListInstances(ctx context.Context) ([]*types.WorkflowInstance, error) {
	all, err := r.client.HGetAll(ctx, keyInstances).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.WorkflowInstance, 0, len(all))
	for _, body := range all {
		var inst types.WorkflowInstance
		if err := jsonx.UnmarshalString(body, &inst); err != nil {
			return nil, err
		}
		out = append(out, &inst)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ArchiveInstances implements Store.
func (r *Redis) ArchiveInstances(ctx context.Context, olderThan time.Time) (int, error) {
	all, err := r.client.HGetAll(ctx, keyInstances).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	pipe := r.client.TxPipeline()
	for id, body := range all {
		var inst types.WorkflowInstance
		if err := jsonx.UnmarshalString(body, &inst); err != nil {
			continue
		}
		if inst.State.Terminal() && inst.UpdatedAt.Before(olderThan) {
			pipe.HDel(ctx, keyInstances, id)
			pipe.HSet(ctx, keyArchived, id, body)
			moved++
		}
	}
	if moved > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
	}
	return moved, nil
}

// SaveDeadLetter implements Store.
func (r *Redis) SaveDeadLetter(ctx context.Context, dl *DeadLetter) error {
	body, err := jsonx.Marshal(dl)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, keyDeadLetters, dl.ID(), body).Err()
}

// ListDeadLetters implements Store. Oldest parked first.
func (r *Redis) ListDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	all, err := r.client.HGetAll(ctx, keyDeadLetters).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*DeadLetter, 0, len(all))
	for _, body := range all {
		var dl DeadLetter
		if err := jsonx.UnmarshalString(body, &dl); err != nil {
			return nil, err
		}
		out = append(out, &dl)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ParkedAt.Before(out[j].ParkedAt)
	})
	return out, nil
}

// RemoveDeadLetter implements Store.
func (r *Redis) RemoveDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	body, err := r.client.HGet(ctx, keyDeadLetters, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var dl DeadLetter
	if err := jsonx.UnmarshalString(body, &dl); err != nil {
		return nil, err
	}
	if err := r.client.HDel(ctx, keyDeadLetters, id).Err(); err != nil {
		return nil, err
	}
	return &dl, nil
}

// ExpireDeadLetters implements Store.
func (r *Redis) ExpireDeadLetters(ctx context.Context, olderThan time.Time) (int, error) {
	all, err := r.client.HGetAll(ctx, keyDeadLetters).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	pipe := r.client.TxPipeline()
	for id, body := range all {
		var dl DeadLetter
		if err := jsonx.UnmarshalString(body, &dl); err != nil {
			continue
		}
		if dl.ParkedAt.Before(olderThan) {
			pipe.HDel(ctx, keyDeadLetters, id)
			removed++
		}
	}
	if removed > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

// SaveTicket implements Store.
func (r *Redis) SaveTicket(ctx context.Context, ticket *types.EscalationTicket) error {
	body, err := jsonx.Marshal(ticket)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, keyTickets, ticket.ID, body).Err()
}

// GetTicket implements Store.
func (r *Redis) GetTicket(ctx context.Context, id string) (*types.EscalationTicket, error) {
	body, err := r.client.HGet(ctx, keyTickets, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ticket types.EscalationTicket
	if err := jsonx.UnmarshalString(body, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// ListTickets implements Store. Most recently opened first.
func (r *Redis) ListTickets(ctx context.Context) ([]*types.EscalationTicket, error) {
	all, err := r.client.HGetAll(ctx, keyTickets).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.EscalationTicket, 0, len(all))
	for _, body := range all {
		var ticket types.EscalationTicket
		if err := jsonx.UnmarshalString(body, &ticket); err != nil {
			return nil, err
		}
		out = append(out, &ticket)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})
	return out, nil
}

// AppendEvent implements Store.
func (r *Redis) AppendEvent(ctx context.Context, event audit.Event) error {
	body, err := jsonx.Marshal(event)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, keyEvents, body)
	pipe.LTrim(ctx, keyEvents, -maxEvents, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListEvents implements Store.
func (r *Redis) ListEvents(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = maxEvents
	}
	raw, err := r.client.LRange(ctx, keyEvents, int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]audit.Event, 0, len(raw))
	for _, body := range raw {
		var event audit.Event
		if err := jsonx.UnmarshalString(body, &event); err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

// Close implements Store.
func (r *Redis) Close() error { return r.client.Close() }
