package service

import (
	"context"
	"fmt"

	"github.com/lvdashuaibi/littleforum/internal/metrics"
	"github.com/lvdashuaibi/littleforum/internal/model"
	"github.com/lvdashuaibi/littleforum/internal/repository"
	"go.uber.org/zap"
)

// Tally 获取实体票数，先读缓存，未命中时读数据库并回填
func (s *VoteService) Tally(ctx context.Context, target model.Target) (model.Tally, error) {
	if s.cache != nil {
		tally, found, err := s.cache.GetTally(ctx, target.Kind, target.ID)
		switch {
		case err != nil:
			metrics.TallyCache.WithLabelValues("error").Inc()
			s.logger.Debug("获取票数缓存失败", zap.Error(err))
		case found:
			metrics.TallyCache.WithLabelValues("hit").Inc()
			return *tally, nil
		default:
			metrics.TallyCache.WithLabelValues("miss").Inc()
		}
	}

	tally, err := s.store.Tally(ctx, target.Kind, target.ID)
	if err != nil {
		return model.Tally{}, fmt.Errorf("获取 %s %d 票数失败: %w", target.Kind, target.ID, err)
	}

	if s.cache != nil {
		if err := s.cache.SetTally(ctx, target.Kind, target.ID, tally); err != nil {
			s.logger.Debug("更新票数缓存失败", zap.Error(err))
		}
	}
	return tally, nil
}

// VoteCount 净票数 = 赞成 - 反对
func (s *VoteService) VoteCount(ctx context.Context, target model.Target) (int64, error) {
	tally, err := s.Tally(ctx, target)
	if err != nil {
		return 0, err
	}
	return tally.Score(), nil
}

// CurrentUserVote 用户当前的投票方向，未登录或未投票时返回空
func (s *VoteService) CurrentUserVote(ctx context.Context, target model.Target, userID int64) (model.Direction, error) {
	if userID == 0 {
		return "", nil
	}

	vote, err := s.store.Find(ctx, userID, target.Kind, target.ID)
	if err != nil {
		return "", fmt.Errorf("获取用户 %d 投票失败: %w", userID, err)
	}
	if vote == nil {
		return "", nil
	}
	return vote.Direction, nil
}

// ListForTargets 批量获取票数，缓存未命中的实体用一次查询补齐
func (s *VoteService) ListForTargets(ctx context.Context, kind model.TargetKind, targetIDs []int64) (map[int64]model.Tally, error) {
	ids := uniqueIDs(targetIDs)
	result := make(map[int64]model.Tally, len(ids))

	misses := ids
	if s.cache != nil {
		hits, err := s.cache.GetTallies(ctx, kind, ids)
		if err != nil {
			metrics.TallyCache.WithLabelValues("error").Inc()
			s.logger.Debug("批量获取票数缓存失败", zap.Error(err))
			hits = nil
		}

		misses = make([]int64, 0, len(ids))
		for _, id := range ids {
			if tally, ok := hits[id]; ok {
				result[id] = tally
				continue
			}
			misses = append(misses, id)
		}
		metrics.TallyCache.WithLabelValues("hit").Add(float64(len(hits)))
		metrics.TallyCache.WithLabelValues("miss").Add(float64(len(misses)))
	}

	if len(misses) == 0 {
		return result, nil
	}

	loaded, err := s.store.ListForTargets(ctx, kind, misses)
	if err != nil {
		return nil, fmt.Errorf("批量获取 %s 票数失败: %w", kind, err)
	}
	for id, tally := range loaded {
		result[id] = tally
	}

	if s.cache != nil {
		if err := s.cache.SetTallies(ctx, kind, loaded); err != nil {
			s.logger.Debug("批量更新票数缓存失败", zap.Error(err))
		}
	}
	return result, nil
}

// Leaderboard 声望总榜，只包含声望大于0的用户
func (s *VoteService) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	limit = model.ClampLeaderboardLimit(limit, model.DefaultLeaderboardLimit)
	return s.cachedLeaderboard(ctx, model.BoardAllTime, limit, func() ([]model.LeaderboardEntry, error) {
		return s.store.Leaderboard(ctx, model.MaxLeaderboardLimit)
	})
}

// MonthLeaderboard 本月活跃用户（本月发过问题、答案或评价）按声望排序
func (s *VoteService) MonthLeaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	limit = model.ClampLeaderboardLimit(limit, model.DefaultMonthLeaderboardLimit)
	since := model.MonthStart(s.now())
	return s.cachedLeaderboard(ctx, model.BoardMonth, limit, func() ([]model.LeaderboardEntry, error) {
		return s.store.MonthLeaderboard(ctx, since, model.MaxLeaderboardLimit)
	})
}

// cachedLeaderboard 缓存中保存完整的前 MaxLeaderboardLimit 名，按 limit 截取
func (s *VoteService) cachedLeaderboard(ctx context.Context, board model.Board, limit int, load func() ([]model.LeaderboardEntry, error)) ([]model.LeaderboardEntry, error) {
	key := repository.LeaderboardKey(board, s.now())
	if s.cache != nil {
		entries, found, err := s.cache.GetLeaderboard(ctx, key)
		switch {
		case err != nil:
			metrics.LeaderboardCache.WithLabelValues(string(board), "error").Inc()
			s.logger.Warn("读取排行榜缓存失败，使用数据库", zap.String("board", string(board)), zap.Error(err))
		case found:
			metrics.LeaderboardCache.WithLabelValues(string(board), "hit").Inc()
			return topN(entries, limit), nil
		default:
			metrics.LeaderboardCache.WithLabelValues(string(board), "miss").Inc()
		}
	}

	entries, err := load()
	if err != nil {
		return nil, fmt.Errorf("获取排行榜 %s 失败: %w", board, err)
	}

	if s.cache != nil {
		if err := s.cache.SetLeaderboard(ctx, key, entries); err != nil {
			s.logger.Debug("更新排行榜缓存失败", zap.Error(err))
		}
	}
	return topN(entries, limit), nil
}

func topN(entries []model.LeaderboardEntry, n int) []model.LeaderboardEntry {
	if len(entries) > n {
		return entries[:n]
	}
	return entries
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
