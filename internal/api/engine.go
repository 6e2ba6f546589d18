package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/lvdashuaibi/littleforum/internal/model"
)

// UserIDHeader 网关写入的登录用户ID
const UserIDHeader = "X-User-ID"

// Engine 接口层依赖的投票服务
type Engine interface {
	CastVote(ctx context.Context, target model.Target, voterID int64, direction string) (*model.VoteResult, error)
	AcceptAnswer(ctx context.Context, answerID, actorID int64) (model.AcceptOutcome, error)
	ResolveTarget(ctx context.Context, kind model.TargetKind, targetID int64) (*model.Target, error)
	Tally(ctx context.Context, target model.Target) (model.Tally, error)
	ListForTargets(ctx context.Context, kind model.TargetKind, targetIDs []int64) (map[int64]model.Tally, error)
	CurrentUserVote(ctx context.Context, target model.Target, userID int64) (model.Direction, error)
	Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
	MonthLeaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
}

type userIDKey struct{}

// WithUserID 将当前用户写入 context，0 表示未登录
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFrom 读取当前用户，未登录返回 0
func UserIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey{}).(int64)
	return id
}

// UserIDFromRequest 解析请求头中的用户ID，缺失或非法时视为未登录
func UserIDFromRequest(r *http.Request) int64 {
	id, err := strconv.ParseInt(r.Header.Get(UserIDHeader), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// VoteSummary 投票后返回给客户端的状态
type VoteSummary struct {
	Result   *model.VoteResult
	Tally    model.Tally
	UserVote model.Direction
}

// ResolveTarget 解析实体类型并查询实体
func ResolveTarget(ctx context.Context, engine Engine, kind string, targetID int64) (*model.Target, error) {
	targetKind, err := model.ParseTargetKind(kind)
	if err != nil {
		return nil, err
	}
	return engine.ResolveTarget(ctx, targetKind, targetID)
}

// CastAndSummarize 投票并读取最新票数和用户当前投票
func CastAndSummarize(ctx context.Context, engine Engine, target model.Target, voterID int64, direction string) (*VoteSummary, error) {
	result, err := engine.CastVote(ctx, target, voterID, direction)
	if err != nil {
		return nil, err
	}

	tally, err := engine.Tally(ctx, target)
	if err != nil {
		return nil, err
	}

	userVote, err := engine.CurrentUserVote(ctx, target, voterID)
	if err != nil {
		return nil, err
	}

	return &VoteSummary{Result: result, Tally: tally, UserVote: userVote}, nil
}
