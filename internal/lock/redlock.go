package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/littleforum/config"
	"go.uber.org/zap"
)

const (
	// 只删除/续期自己持有的锁
	unlockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
)

// RedLock 多个独立Redis节点上的Redlock实现
type RedLock struct {
	clients []*redis.Client
	retries int
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[string]string // key是锁名，value是token值
}

var _ Lock = (*RedLock)(nil)

// NewRedLock 按配置连接所有锁节点
func NewRedLock(ctx context.Context, logger *zap.Logger) (*RedLock, error) {
	var clients []*redis.Client

	for _, addr := range config.AppConfig.Redis.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     config.AppConfig.Redis.Password,
			DB:           config.AppConfig.Redis.DB,
			PoolSize:     config.AppConfig.Redis.PoolSize,
			MaxRetries:   config.AppConfig.Redis.MaxRetries,
			DialTimeout:  config.AppConfig.Redis.Timeout,
			ReadTimeout:  config.AppConfig.Redis.Timeout,
			WriteTimeout: config.AppConfig.Redis.Timeout,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				c.Close()
			}
			client.Close()
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}

		clients = append(clients, client)
	}

	return NewRedLockWithClients(clients, config.AppConfig.Lock.RetryCount, logger), nil
}

// NewRedLockWithClients 使用已有客户端创建Redlock
func NewRedLockWithClients(clients []*redis.Client, retries int, logger *zap.Logger) *RedLock {
	if retries <= 0 {
		retries = 1
	}
	return &RedLock{
		clients: clients,
		retries: retries,
		logger:  logger.Named("redlock"),
		locks:   make(map[string]string),
	}
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

// AcquireLock 获取分布式锁
func (r *RedLock) AcquireLock(lockName string, timeout time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.locks[lockName]; ok {
		return false, fmt.Errorf("锁 %s 已被当前实例持有", lockName)
	}

	token := uuid.NewString()
	ctx := context.Background()

	for attempt := 0; attempt < r.retries; attempt++ {
		success := 0
		start := time.Now()

		for i, client := range r.clients {
			ok, err := client.SetNX(ctx, lockName, token, timeout).Result()
			if err != nil {
				r.logger.Warn("在节点获取锁失败", zap.Int("node", i), zap.String("lock", lockName), zap.Error(err))
				continue
			}
			if ok {
				success++
			}
		}

		// 多数节点成功且锁仍在有效期内
		validity := timeout - time.Since(start)
		if success >= r.quorum() && validity > 0 {
			r.locks[lockName] = token
			return true, nil
		}

		r.unlockAll(ctx, lockName, token)

		if attempt < r.retries-1 {
			time.Sleep(100 * time.Millisecond)
		}
	}

	return false, nil
}

// RefreshLock 刷新锁的过期时间
func (r *RedLock) RefreshLock(lockName string, timeout time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, exists := r.locks[lockName]
	if !exists {
		return false, nil
	}

	success := 0
	for i, client := range r.clients {
		result, err := client.Eval(context.Background(), refreshScript, []string{lockName}, token, timeout.Milliseconds()).Int64()
		if err != nil {
			r.logger.Warn("在节点刷新锁失败", zap.Int("node", i), zap.String("lock", lockName), zap.Error(err))
			continue
		}
		if result == 1 {
			success++
		}
	}

	if success >= r.quorum() {
		return true, nil
	}

	delete(r.locks, lockName)
	return false, nil
}

// ReleaseLock 释放分布式锁
func (r *RedLock) ReleaseLock(lockName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, exists := r.locks[lockName]
	if !exists {
		return fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	r.unlockAll(context.Background(), lockName, token)
	delete(r.locks, lockName)
	return nil
}

// unlockAll 在所有节点上释放锁
func (r *RedLock) unlockAll(ctx context.Context, lockName, token string) {
	for i, client := range r.clients {
		if err := client.Eval(ctx, unlockScript, []string{lockName}, token).Err(); err != nil {
			r.logger.Warn("在节点释放锁失败", zap.Int("node", i), zap.String("lock", lockName), zap.Error(err))
		}
	}
}

// ReleaseAllLocks 释放所有持有的锁
func (r *RedLock) ReleaseAllLocks() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, token := range r.locks {
		r.unlockAll(context.Background(), name, token)
	}
	r.locks = make(map[string]string)
}

// Close 关闭分布式锁客户端
func (r *RedLock) Close() error {
	r.ReleaseAllLocks()

	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.Warn("关闭Redis客户端失败", zap.Error(err))
		}
	}
	return nil
}
