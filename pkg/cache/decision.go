package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 每个标的最近一次决策的缓存，供状态接口读取

const decisionKeyPrefix = "coinpilot:decision:"

func decisionKey(symbol string) string {
	return decisionKeyPrefix + symbol
}

// SetLatestDecision 写入最近一次决策快照，带过期时间
func SetLatestDecision(ctx context.Context, symbol string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	return GetRedisClient().Set(ctx, decisionKey(symbol), data, ttl).Err()
}

// GetLatestDecision 读取最近一次决策，没有时返回 (nil, nil)
func GetLatestDecision(ctx context.Context, symbol string) (json.RawMessage, error) {
	data, err := GetRedisClient().Get(ctx, decisionKey(symbol)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
