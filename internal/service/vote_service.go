package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/lvdashuaibi/littleforum/config"
	"github.com/lvdashuaibi/littleforum/internal/metrics"
	"github.com/lvdashuaibi/littleforum/internal/model"
	"github.com/lvdashuaibi/littleforum/internal/repository"
	"github.com/lvdashuaibi/littleforum/internal/reputation"
	"go.uber.org/zap"
)

const defaultRedeleteDelay = 500 * time.Millisecond

// TallyCache 票数缓存与排行榜缓存
type TallyCache interface {
	GetTally(ctx context.Context, kind model.TargetKind, targetID int64) (*model.Tally, bool, error)
	GetTallies(ctx context.Context, kind model.TargetKind, targetIDs []int64) (map[int64]model.Tally, error)
	SetTally(ctx context.Context, kind model.TargetKind, targetID int64, tally model.Tally) error
	SetTallies(ctx context.Context, kind model.TargetKind, tallies map[int64]model.Tally) error
	DeleteTally(ctx context.Context, kind model.TargetKind, targetID int64) error
	ApplyVoteEffects(ctx context.Context, event *model.VoteEvent) error
	GetLeaderboard(ctx context.Context, key string) ([]model.LeaderboardEntry, bool, error)
	SetLeaderboard(ctx context.Context, key string, entries []model.LeaderboardEntry) error
}

// EventPublisher 投票事件发布
type EventPublisher interface {
	SendVoteEvent(ctx context.Context, event *model.VoteEvent) error
}

type VoteService struct {
	store         repository.Store
	rules         *reputation.RuleTable
	cache         TallyCache
	publisher     EventPublisher
	logger        *zap.Logger
	clock         clockwork.Clock
	redeleteDelay time.Duration
}

type Option func(*VoteService)

// WithCache 启用Redis票数缓存与排行榜
func WithCache(cache TallyCache) Option {
	return func(s *VoteService) { s.cache = cache }
}

// WithClock 替换时钟，测试使用
func WithClock(clock clockwork.Clock) Option {
	return func(s *VoteService) { s.clock = clock }
}

// WithPublisher 启用Kafka事件发布
func WithPublisher(publisher EventPublisher) Option {
	return func(s *VoteService) { s.publisher = publisher }
}

func NewVoteService(store repository.Store, rules *reputation.RuleTable, logger *zap.Logger, opts ...Option) *VoteService {
	s := &VoteService{
		store:         store,
		rules:         rules,
		logger:        logger.Named("vote"),
		clock:         clockwork.NewRealClock(),
		redeleteDelay: config.AppConfig.Redis.TallyRedeleteDelay,
	}
	if s.redeleteDelay <= 0 {
		s.redeleteDelay = defaultRedeleteDelay
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *VoteService) now() time.Time {
	return s.clock.Now()
}

// CastVote 投票
// 未登录、给自己投票、方向非法时返回 VoteRejected 且不修改任何状态
func (s *VoteService) CastVote(ctx context.Context, target model.Target, voterID int64, direction string) (*model.VoteResult, error) {
	dir, err := model.ParseDirection(direction)
	if voterID == 0 || err != nil || target.AuthoredBy(voterID) {
		metrics.VoteOutcomes.WithLabelValues(string(target.Kind), string(model.VoteRejected)).Inc()
		return &model.VoteResult{Outcome: model.VoteRejected}, nil
	}

	var result *model.VoteResult
	op := func() error {
		r, err := s.applyVote(ctx, target, voterID, dir)
		if errors.Is(err, model.ErrVoteConflict) {
			// 并发插入失败，重新读取后按已存在的投票处理
			metrics.VoteConflicts.Inc()
			s.logger.Debug("投票唯一键冲突，重试",
				zap.Int64("voter", voterID),
				zap.String("kind", string(target.Kind)),
				zap.Int64("target", target.ID))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("投票失败: %w", err)
	}

	metrics.VoteOutcomes.WithLabelValues(string(target.Kind), string(result.Outcome)).Inc()
	s.afterCommit(ctx, &model.VoteEvent{
		Type:       model.EventVote,
		TargetKind: target.Kind,
		TargetID:   target.ID,
		VoterID:    voterID,
		AuthorID:   target.AuthorID,
		Outcome:    result.Outcome,
		Direction:  result.Direction,
		Previous:   result.Previous,
		Delta:      result.Delta,
		OccurredAt: s.now(),
	})

	return result, nil
}

// applyVote 在一个事务内完成 查询 -> 修改账本 -> 调整声望
func (s *VoteService) applyVote(ctx context.Context, target model.Target, voterID int64, dir model.Direction) (*model.VoteResult, error) {
	var result model.VoteResult

	err := s.store.InTx(ctx, func(l repository.Ledger) error {
		existing, err := l.FindForUpdate(ctx, voterID, target.Kind, target.ID)
		if err != nil {
			return err
		}

		switch {
		case existing == nil:
			if _, err := l.Create(ctx, voterID, target.Kind, target.ID, dir); err != nil {
				return err
			}
			result = model.VoteResult{
				Outcome:   model.VoteAdded,
				Direction: dir,
				Delta:     s.rules.PointsFor(target.Kind, dir),
			}

		case existing.Direction == dir:
			if err := l.Delete(ctx, existing); err != nil {
				return err
			}
			result = model.VoteResult{
				Outcome:  model.VoteRemoved,
				Previous: dir,
				Delta:    -s.rules.PointsFor(target.Kind, dir),
			}

		default:
			previous := existing.Direction
			if err := l.Update(ctx, existing, dir); err != nil {
				return err
			}
			result = model.VoteResult{
				Outcome:   model.VoteUpdated,
				Direction: dir,
				Previous:  previous,
				Delta:     s.rules.PointsFor(target.Kind, dir) - s.rules.PointsFor(target.Kind, previous),
			}
		}

		if target.AuthorID == nil {
			result.Delta = 0
			return nil
		}
		return l.AddReputation(ctx, *target.AuthorID, result.Delta)
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// afterCommit 事务提交后删除票数缓存并发布事件，发布失败时直接失效排行榜
// 票数缓存在延迟后再删除一次，清掉并发读者在提交前读到并回填的旧值
func (s *VoteService) afterCommit(ctx context.Context, event *model.VoteEvent) {
	logger := s.logger.With(
		zap.String("type", string(event.Type)),
		zap.String("kind", string(event.TargetKind)),
		zap.Int64("target", event.TargetID))

	if s.cache != nil {
		if err := s.cache.DeleteTally(ctx, event.TargetKind, event.TargetID); err != nil {
			logger.Warn("删除票数缓存失败", zap.Error(err))
		}
		s.clock.AfterFunc(s.redeleteDelay, func() {
			if err := s.cache.DeleteTally(context.Background(), event.TargetKind, event.TargetID); err != nil {
				logger.Warn("延迟删除票数缓存失败", zap.Error(err))
			}
		})
	}

	if s.publisher != nil {
		err := s.publisher.SendVoteEvent(ctx, event)
		if err == nil {
			return
		}
		logger.Warn("发送投票事件到Kafka失败，直接处理", zap.Error(err))
	}

	if err := s.ProcessVoteEvent(ctx, event); err != nil {
		logger.Warn("处理投票事件失败", zap.Error(err))
	}
}

// ProcessVoteEvent 处理投票事件（消费者使用）：删除票数缓存，声望变化时失效排行榜
// 重复处理同一事件没有副作用
func (s *VoteService) ProcessVoteEvent(ctx context.Context, event *model.VoteEvent) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.ApplyVoteEffects(ctx, event); err != nil {
		return fmt.Errorf("处理投票事件失败: %w", err)
	}
	return nil
}

// ResolveTarget 查询实体及其作者
func (s *VoteService) ResolveTarget(ctx context.Context, kind model.TargetKind, targetID int64) (*model.Target, error) {
	return s.store.ResolveTarget(ctx, kind, targetID)
}
