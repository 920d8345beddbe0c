package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BerniceZTT/crm_pipeline/models"
	"github.com/BerniceZTT/crm_pipeline/utils"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const statsCacheTTL = 60 * time.Second

// StatsCache 阶段统计的redis缓存
// redis不可用时取值始终未命中，统计退化为直查数据库
type StatsCache struct {
	rdb *redis.Client
}

// NewStatsCache 创建统计缓存，uri为空或解析失败时返回禁用状态的缓存
func NewStatsCache(redisURI string) *StatsCache {
	if redisURI == "" {
		return &StatsCache{}
	}

	opts, err := redis.ParseURL(redisURI)
	if err != nil {
		utils.Logger.Warn().Err(err).Msg("解析REDIS_URI失败，统计缓存已禁用")
		return &StatsCache{}
	}

	return &StatsCache{rdb: redis.NewClient(opts)}
}

// Get 读取管道统计缓存
func (c *StatsCache) Get(ctx context.Context, pipelineID primitive.ObjectID) ([]models.StageStats, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}

	val, err := c.rdb.Get(ctx, cacheKey(pipelineID)).Result()
	if err != nil {
		if err != redis.Nil {
			utils.Logger.Warn().Err(err).Msg("读取统计缓存失败")
		}
		return nil, false
	}

	var stats []models.StageStats
	if err := json.Unmarshal([]byte(val), &stats); err != nil {
		return nil, false
	}

	return stats, true
}

// Set 写入管道统计缓存
func (c *StatsCache) Set(ctx context.Context, pipelineID primitive.ObjectID, stats []models.StageStats) {
	if c == nil || c.rdb == nil {
		return
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return
	}

	if err := c.rdb.Set(ctx, cacheKey(pipelineID), data, statsCacheTTL).Err(); err != nil {
		utils.Logger.Warn().Err(err).Msg("写入统计缓存失败")
	}
}

// Invalidate 管道或阶段变更后清除缓存
func (c *StatsCache) Invalidate(ctx context.Context, pipelineID primitive.ObjectID) {
	if c == nil || c.rdb == nil {
		return
	}

	if err := c.rdb.Del(ctx, cacheKey(pipelineID)).Err(); err != nil {
		utils.Logger.Warn().Err(err).Msg("清除统计缓存失败")
	}
}

func cacheKey(pipelineID primitive.ObjectID) string {
	return "crm:pipeline:stats:" + pipelineID.Hex()
}
