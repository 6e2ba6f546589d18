package repository

import (
	"context"
	"time"

	"github.com/lvdashuaibi/littleforum/internal/model"
)

// Ledger 事务内的投票账本与声望操作
type Ledger interface {
	// FindForUpdate 加行锁查询投票，不存在时返回 nil
	FindForUpdate(ctx context.Context, voterID int64, kind model.TargetKind, targetID int64) (*model.Vote, error)
	// Create 新建投票，唯一键冲突返回 model.ErrVoteConflict
	Create(ctx context.Context, voterID int64, kind model.TargetKind, targetID int64, direction model.Direction) (*model.Vote, error)
	Update(ctx context.Context, vote *model.Vote, direction model.Direction) error
	Delete(ctx context.Context, vote *model.Vote) error

	// AddReputation 原子增加用户声望
	AddReputation(ctx context.Context, userID int64, delta int) error

	// AnswerQuestionID 查询答案所属问题，不加锁
	AnswerQuestionID(ctx context.Context, answerID int64) (int64, error)
	FindAnswerForUpdate(ctx context.Context, answerID int64) (*model.Answer, error)
	QuestionAuthorForUpdate(ctx context.Context, questionID int64) (*int64, error)
	ClearAcceptedAnswers(ctx context.Context, questionID int64) error
	MarkAnswerAccepted(ctx context.Context, answerID int64) error
	MarkQuestionSolved(ctx context.Context, questionID int64) error
}

// Store 投票存储
type Store interface {
	// InTx 在单个事务中执行 fn，fn 返回错误时整体回滚
	InTx(ctx context.Context, fn func(Ledger) error) error

	Find(ctx context.Context, voterID int64, kind model.TargetKind, targetID int64) (*model.Vote, error)
	Tally(ctx context.Context, kind model.TargetKind, targetID int64) (model.Tally, error)
	ListForTargets(ctx context.Context, kind model.TargetKind, targetIDs []int64) (map[int64]model.Tally, error)

	ResolveTarget(ctx context.Context, kind model.TargetKind, targetID int64) (*model.Target, error)
	Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
	MonthLeaderboard(ctx context.Context, since time.Time, limit int) ([]model.LeaderboardEntry, error)
	DeleteOrphanVotes(ctx context.Context, kind model.TargetKind) (int64, error)
}
