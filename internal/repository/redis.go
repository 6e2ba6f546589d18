package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/littleforum/config"
	"github.com/lvdashuaibi/littleforum/internal/model"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	// Redis键前缀
	TallyKeyPrefix        = "tally:"
	LeaderboardKeyPrefix  = "leaderboard:"
	applyVoteEffectsName  = "applyVoteEffects"
	defaultTallyTTL       = 10 * time.Minute
	defaultLeaderboardTTL = 30 * time.Second
	breakerFailureTripMin = 5

	// Lua脚本: 删除票数缓存，声望有变化时一并删除排行榜缓存
	// KEYS[1] 票数缓存键, KEYS[2] 总榜键, KEYS[3] 月榜键; ARGV[1] 声望变化量
	ApplyVoteEffectsScript = `
		redis.call('DEL', KEYS[1])

		local delta = tonumber(ARGV[1])
		if not delta or delta == 0 then
			return 0
		end

		redis.call('DEL', KEYS[2], KEYS[3])
		return 1
	`
)

type RedisRepository struct {
	client         *redis.Client
	breaker        *gobreaker.CircuitBreaker
	tallyTTL       time.Duration
	leaderboardTTL time.Duration
	logger         *zap.Logger

	mu           sync.RWMutex
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewRedisRepository(ctx context.Context, logger *zap.Logger) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.AppConfig.Redis.DataAddress,
		Password:     config.AppConfig.Redis.Password,
		DB:           config.AppConfig.Redis.DB,
		PoolSize:     config.AppConfig.Redis.PoolSize,
		MaxRetries:   config.AppConfig.Redis.MaxRetries,
		DialTimeout:  config.AppConfig.Redis.Timeout,
		ReadTimeout:  config.AppConfig.Redis.Timeout,
		WriteTimeout: config.AppConfig.Redis.Timeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	return NewRedisRepositoryWithClient(ctx, client, config.AppConfig.Redis.TallyTTL, config.AppConfig.Redis.LeaderboardTTL, logger)
}

// NewRedisRepositoryWithClient 使用已有客户端创建仓库并预加载脚本
func NewRedisRepositoryWithClient(ctx context.Context, client *redis.Client, tallyTTL, leaderboardTTL time.Duration, logger *zap.Logger) (*RedisRepository, error) {
	if tallyTTL <= 0 {
		tallyTTL = defaultTallyTTL
	}
	if leaderboardTTL <= 0 {
		leaderboardTTL = defaultLeaderboardTTL
	}

	repo := &RedisRepository{
		client:         client,
		tallyTTL:       tallyTTL,
		leaderboardTTL: leaderboardTTL,
		logger:         logger.Named("redis"),
		scriptHashes:   make(map[string]string),
	}
	repo.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureTripMin
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			repo.logger.Warn("熔断器状态变化",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	if err := repo.preloadScripts(ctx); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	sha1, err := r.client.ScriptLoad(ctx, ApplyVoteEffectsScript).Result()
	if err != nil {
		return fmt.Errorf("加载投票效果脚本失败: %w", err)
	}

	r.mu.Lock()
	r.scriptHashes[applyVoteEffectsName] = sha1
	r.mu.Unlock()
	return nil
}

// execute 通过熔断器执行Redis操作
func (r *RedisRepository) execute(fn func() (interface{}, error)) (interface{}, error) {
	return r.breaker.Execute(fn)
}

// TallyKey 票数缓存键
func TallyKey(kind model.TargetKind, targetID int64) string {
	return TallyKeyPrefix + string(kind) + ":" + strconv.FormatInt(targetID, 10)
}

// GetTally 从缓存获取票数
func (r *RedisRepository) GetTally(ctx context.Context, kind model.TargetKind, targetID int64) (*model.Tally, bool, error) {
	result, err := r.execute(func() (interface{}, error) {
		data, err := r.client.Get(ctx, TallyKey(kind, targetID)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil // 缓存未命中
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("获取票数缓存失败: %w", err)
	}
	if result == nil {
		return nil, false, nil
	}

	var tally model.Tally
	if err := json.Unmarshal([]byte(result.(string)), &tally); err != nil {
		return nil, false, fmt.Errorf("解析票数缓存失败: %w", err)
	}
	return &tally, true, nil
}

// GetTallies 批量获取票数缓存，只返回命中的实体
func (r *RedisRepository) GetTallies(ctx context.Context, kind model.TargetKind, targetIDs []int64) (map[int64]model.Tally, error) {
	hits := make(map[int64]model.Tally, len(targetIDs))
	if len(targetIDs) == 0 {
		return hits, nil
	}

	keys := make([]string, len(targetIDs))
	for i, id := range targetIDs {
		keys[i] = TallyKey(kind, id)
	}

	result, err := r.execute(func() (interface{}, error) {
		return r.client.MGet(ctx, keys...).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("批量获取票数缓存失败: %w", err)
	}

	for i, value := range result.([]interface{}) {
		data, ok := value.(string)
		if !ok {
			continue
		}
		var tally model.Tally
		if err := json.Unmarshal([]byte(data), &tally); err != nil {
			r.logger.Warn("解析票数缓存失败", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		hits[targetIDs[i]] = tally
	}
	return hits, nil
}

// SetTally 设置票数缓存
func (r *RedisRepository) SetTally(ctx context.Context, kind model.TargetKind, targetID int64, tally model.Tally) error {
	return r.SetTallies(ctx, kind, map[int64]model.Tally{targetID: tally})
}

// SetTallies 批量设置票数缓存
func (r *RedisRepository) SetTallies(ctx context.Context, kind model.TargetKind, tallies map[int64]model.Tally) error {
	if len(tallies) == 0 {
		return nil
	}

	_, err := r.execute(func() (interface{}, error) {
		pipe := r.client.Pipeline()
		for id, tally := range tallies {
			data, err := json.Marshal(tally)
			if err != nil {
				return nil, err
			}
			pipe.Set(ctx, TallyKey(kind, id), data, r.tallyTTL)
		}
		return pipe.Exec(ctx)
	})
	if err != nil {
		return fmt.Errorf("设置票数缓存失败: %w", err)
	}
	return nil
}

// DeleteTally 删除票数缓存
func (r *RedisRepository) DeleteTally(ctx context.Context, kind model.TargetKind, targetID int64) error {
	_, err := r.execute(func() (interface{}, error) {
		return r.client.Del(ctx, TallyKey(kind, targetID)).Result()
	})
	if err != nil {
		return fmt.Errorf("删除票数缓存失败: %w", err)
	}
	return nil
}

// LeaderboardKey 排行榜缓存键，月榜按自然月区分
func LeaderboardKey(board model.Board, now time.Time) string {
	if board == model.BoardMonth {
		return LeaderboardKeyPrefix + string(board) + ":" + now.Format("2006-01")
	}
	return LeaderboardKeyPrefix + string(board)
}

// ApplyVoteEffects 使用预加载的Lua脚本删除票数与排行榜缓存，保证原子性
func (r *RedisRepository) ApplyVoteEffects(ctx context.Context, event *model.VoteEvent) error {
	at := event.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	keys := []string{
		TallyKey(event.TargetKind, event.TargetID),
		LeaderboardKey(model.BoardAllTime, at),
		LeaderboardKey(model.BoardMonth, at),
	}

	r.mu.RLock()
	sha1, ok := r.scriptHashes[applyVoteEffectsName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("脚本未预加载")
	}

	_, err := r.execute(func() (interface{}, error) {
		result, err := r.client.EvalSha(ctx, sha1, keys, event.Delta).Result()
		if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
			// 脚本缓存被清空，重新加载后再次尝试
			if err := r.preloadScripts(ctx); err != nil {
				return nil, err
			}
			r.mu.RLock()
			sha1 = r.scriptHashes[applyVoteEffectsName]
			r.mu.RUnlock()
			return r.client.EvalSha(ctx, sha1, keys, event.Delta).Result()
		}
		return result, err
	})
	if err != nil {
		return fmt.Errorf("执行投票效果脚本失败: %w", err)
	}
	return nil
}

// GetLeaderboard 读取排行榜缓存
func (r *RedisRepository) GetLeaderboard(ctx context.Context, key string) ([]model.LeaderboardEntry, bool, error) {
	result, err := r.execute(func() (interface{}, error) {
		data, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("读取排行榜缓存失败: %w", err)
	}
	if result == nil {
		return nil, false, nil
	}

	entries := []model.LeaderboardEntry{}
	if err := json.Unmarshal([]byte(result.(string)), &entries); err != nil {
		return nil, false, fmt.Errorf("解析排行榜缓存失败: %w", err)
	}
	return entries, true, nil
}

// SetLeaderboard 写入排行榜缓存，有效期较短
func (r *RedisRepository) SetLeaderboard(ctx context.Context, key string, entries []model.LeaderboardEntry) error {
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("序列化排行榜失败: %w", err)
	}

	_, err = r.execute(func() (interface{}, error) {
		return r.client.Set(ctx, key, data, r.leaderboardTTL).Result()
	})
	if err != nil {
		return fmt.Errorf("写入排行榜缓存失败: %w", err)
	}
	return nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
