package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lvdashuaibi/littleforum/config"
	"github.com/lvdashuaibi/littleforum/internal/lock"
	"github.com/lvdashuaibi/littleforum/internal/metrics"
	"github.com/lvdashuaibi/littleforum/internal/model"
	"github.com/lvdashuaibi/littleforum/internal/repository"
	"go.uber.org/zap"
)

const (
	LeaderLockName = "littleforum:reconciler:lock"

	defaultInterval    = 5 * time.Minute
	defaultLockTimeout = 10 * time.Second
)

// Store 对账需要的数据库操作
type Store interface {
	DeleteOrphanVotes(ctx context.Context, kind model.TargetKind) (int64, error)
	Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
	MonthLeaderboard(ctx context.Context, since time.Time, limit int) ([]model.LeaderboardEntry, error)
}

// LeaderboardWriter 排行榜缓存
type LeaderboardWriter interface {
	SetLeaderboard(ctx context.Context, key string, entries []model.LeaderboardEntry) error
}

// Report 一次对账的结果
type Report struct {
	OrphansDeleted    map[model.TargetKind]int64
	AllTimeSize       int
	MonthSize         int
	LeaderboardWarmed bool
}

// Reconciler 启动时及之后定期清理孤立投票并预热排行榜缓存，多实例中只有持锁者执行
type Reconciler struct {
	store       Store
	board       LeaderboardWriter
	lock        lock.Lock
	clock       clockwork.Clock
	interval    time.Duration
	lockTimeout time.Duration
	logger      *zap.Logger

	isLeader bool
}

type Option func(*Reconciler)

func WithClock(clock clockwork.Clock) Option {
	return func(r *Reconciler) { r.clock = clock }
}

// WithLeaderboard 预热Redis排行榜缓存，未设置时只清理孤立投票
func WithLeaderboard(board LeaderboardWriter) Option {
	return func(r *Reconciler) { r.board = board }
}

func NewReconciler(store Store, distributedLock lock.Lock, logger *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		lock:        distributedLock,
		clock:       clockwork.NewRealClock(),
		interval:    config.AppConfig.Reconcile.Interval,
		lockTimeout: config.AppConfig.Lock.Timeout,
		logger:      logger.Named("reconcile"),
	}
	if r.interval <= 0 {
		r.interval = defaultInterval
	}
	if r.lockTimeout <= 0 {
		r.lockTimeout = defaultLockTimeout
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run 立即执行一次对账，之后按间隔执行直到 ctx 结束，退出时释放领导者锁
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.resign()

	r.logger.Info("对账任务已启动", zap.Duration("interval", r.interval))
	r.tick(ctx)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.tick(ctx)
		case <-ctx.Done():
			r.logger.Info("对账任务已停止")
			return nil
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	if !r.maintainLeadership() {
		return
	}
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("对账失败", zap.Error(err))
	}
}

// maintainLeadership 持锁时续约，否则尝试获取锁
func (r *Reconciler) maintainLeadership() bool {
	if r.isLeader {
		held, err := r.lock.RefreshLock(LeaderLockName, r.lockTimeout)
		if err != nil {
			r.logger.Warn("续约对账锁失败", zap.Error(err))
		}
		if held {
			return true
		}
		r.isLeader = false
		r.logger.Info("失去对账锁")
	}

	acquired, err := r.lock.AcquireLock(LeaderLockName, r.lockTimeout)
	if err != nil {
		r.logger.Warn("获取对账锁失败", zap.Error(err))
		return false
	}
	if acquired {
		r.isLeader = true
		r.logger.Info("获取对账锁成功，本实例负责对账")
	}
	return acquired
}

func (r *Reconciler) resign() {
	if !r.isLeader {
		return
	}
	r.isLeader = false
	if err := r.lock.ReleaseLock(LeaderLockName); err != nil {
		r.logger.Warn("释放对账锁失败", zap.Error(err))
	}
}

// RunOnce 执行一次对账
func (r *Reconciler) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{OrphansDeleted: make(map[model.TargetKind]int64, len(model.TargetKinds))}

	for _, kind := range model.TargetKinds {
		deleted, err := r.store.DeleteOrphanVotes(ctx, kind)
		if err != nil {
			return report, fmt.Errorf("清理 %s 孤立投票失败: %w", kind, err)
		}
		report.OrphansDeleted[kind] = deleted
		if deleted > 0 {
			metrics.ReconcileOrphans.WithLabelValues(string(kind)).Add(float64(deleted))
			r.logger.Info("已清理孤立投票", zap.String("kind", string(kind)), zap.Int64("count", deleted))
		}
	}

	if r.board == nil {
		return report, nil
	}

	now := r.clock.Now()
	allTime, err := r.store.Leaderboard(ctx, model.MaxLeaderboardLimit)
	if err != nil {
		return report, fmt.Errorf("读取排行榜失败: %w", err)
	}
	if err := r.board.SetLeaderboard(ctx, repository.LeaderboardKey(model.BoardAllTime, now), allTime); err != nil {
		return report, err
	}
	report.AllTimeSize = len(allTime)

	month, err := r.store.MonthLeaderboard(ctx, model.MonthStart(now), model.MaxLeaderboardLimit)
	if err != nil {
		return report, fmt.Errorf("读取月度排行榜失败: %w", err)
	}
	if err := r.board.SetLeaderboard(ctx, repository.LeaderboardKey(model.BoardMonth, now), month); err != nil {
		return report, err
	}
	report.MonthSize = len(month)
	report.LeaderboardWarmed = true

	return report, nil
}
