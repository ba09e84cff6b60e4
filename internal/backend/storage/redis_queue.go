package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"TallySync/internal/backend/models"
	"TallySync/internal/config"

	"github.com/redis/go-redis/v9"
)

const (
	triggerQueueKey = "sync_triggers"

	// ChannelResults канал pub/sub с уведомлениями о результатах задач
	ChannelResults = "sync_results"
)

type redisTriggerQueue struct {
	client *redis.Client
}

func NewRedisTriggerQueue(cfg *config.RedisConfig, log *slog.Logger) (TriggerQueue, error) {
	client := redis.NewClient(cfg.GetRedisOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Connected to Redis")
	return &redisTriggerQueue{client: client}, nil
}

// PushTrigger добавляет сигнал изменения сущности в очередь
func (r *redisTriggerQueue) PushTrigger(ctx context.Context, trigger *models.SyncTrigger) error {
	data, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal sync trigger: %w", err)
	}

	slog.Debug("Pushing sync trigger to Redis",
		"tenant_id", trigger.TenantID,
		"entity_type", trigger.EntityType,
		"entity_id", trigger.EntityID,
	)

	return r.client.LPush(ctx, triggerQueueKey, data).Err()
}

// PopTrigger забирает следующий сигнал; nil без ошибки если очередь пуста
func (r *redisTriggerQueue) PopTrigger(ctx context.Context, timeout time.Duration) (*models.SyncTrigger, error) {
	result, err := r.client.BRPop(ctx, timeout, triggerQueueKey).Result()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}

		// Очередь пуста
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("redis BRPop failed: %w", err)
	}

	if len(result) < 2 {
		return nil, fmt.Errorf("invalid BRPop result: expected 2 elements, got %d", len(result))
	}

	var trigger models.SyncTrigger
	if err := json.Unmarshal([]byte(result[1]), &trigger); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync trigger: %w", err)
	}

	return &trigger, nil
}

func (r *redisTriggerQueue) Length(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, triggerQueueKey).Result()
}

func (r *redisTriggerQueue) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, data).Err()
}

func (r *redisTriggerQueue) Close() error {
	return r.client.Close()
}
