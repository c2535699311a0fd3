package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"relaypool/internal/shared/logger"
	"relaypool/proxypool/model"
)

// RedisStorage keeps one hash per relay key plus a set indexing them.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage uses client with every key under prefix (e.g. "relaypool:").
func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix}
}

func (rs *RedisStorage) indexKey() string { return rs.prefix + "scores" }

func (rs *RedisStorage) recordKey(key string) string { return rs.prefix + "score:" + key }

// Load reads every indexed record. Entries whose hash is missing or malformed are skipped.
func (rs *RedisStorage) Load(ctx context.Context) (map[string]*model.ScoreRecord, error) {
	l := logger.WithComponent("ProxyPool/Storage")

	keys, err := rs.client.SMembers(ctx, rs.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = rs.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, rs.recordKey(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}

	records := make(map[string]*model.ScoreRecord, len(keys))
	for i, k := range keys {
		h := cmds[i].Val()
		if len(h) == 0 {
			continue
		}
		rec, err := parseRecord([]string{k, h["success_count"], h["fail_count"], h["avg_response_time"], h["last_success"], h["last_used"]})
		if err != nil {
			l.Warn().Str("key", k).Err(err).Msg("Failed to parse score record from redis, skipping.")
			continue
		}
		records[k] = rec
	}
	l.Info().Int("count", len(records)).Msg("Loaded score cache from redis.")
	return records, nil
}

// Save replaces the stored records in one MULTI/EXEC transaction.
func (rs *RedisStorage) Save(ctx context.Context, records map[string]*model.ScoreRecord) error {
	old, err := rs.client.SMembers(ctx, rs.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("redis smembers: %w", err)
	}

	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range old {
			if _, keep := records[k]; !keep {
				pipe.Del(ctx, rs.recordKey(k))
			}
		}
		pipe.Del(ctx, rs.indexKey())
		members := make([]interface{}, 0, len(records))
		for k, rec := range records {
			if rec == nil {
				continue
			}
			pipe.HSet(ctx, rs.recordKey(k), map[string]interface{}{
				"success_count":     strconv.Itoa(rec.SuccessCount),
				"fail_count":        strconv.Itoa(rec.FailCount),
				"avg_response_time": strconv.FormatFloat(rec.AvgResponseTime, 'g', -1, 64),
				"last_success":      formatTime(rec.LastSuccess),
				"last_used":         formatTime(rec.LastUsed),
			})
			members = append(members, k)
		}
		if len(members) > 0 {
			pipe.SAdd(ctx, rs.indexKey(), members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	return nil
}
