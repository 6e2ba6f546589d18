// Package apitest 提供接口层测试使用的投票服务替身
package apitest

import (
	"context"

	"github.com/lvdashuaibi/littleforum/internal/model"
	"github.com/stretchr/testify/mock"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) CastVote(ctx context.Context, target model.Target, voterID int64, direction string) (*model.VoteResult, error) {
	args := m.Called(ctx, target, voterID, direction)
	result, _ := args.Get(0).(*model.VoteResult)
	return result, args.Error(1)
}

func (m *MockEngine) AcceptAnswer(ctx context.Context, answerID, actorID int64) (model.AcceptOutcome, error) {
	args := m.Called(ctx, answerID, actorID)
	return args.Get(0).(model.AcceptOutcome), args.Error(1)
}

func (m *MockEngine) ResolveTarget(ctx context.Context, kind model.TargetKind, targetID int64) (*model.Target, error) {
	args := m.Called(ctx, kind, targetID)
	target, _ := args.Get(0).(*model.Target)
	return target, args.Error(1)
}

func (m *MockEngine) Tally(ctx context.Context, target model.Target) (model.Tally, error) {
	args := m.Called(ctx, target)
	return args.Get(0).(model.Tally), args.Error(1)
}

func (m *MockEngine) ListForTargets(ctx context.Context, kind model.TargetKind, targetIDs []int64) (map[int64]model.Tally, error) {
	args := m.Called(ctx, kind, targetIDs)
	tallies, _ := args.Get(0).(map[int64]model.Tally)
	return tallies, args.Error(1)
}

func (m *MockEngine) CurrentUserVote(ctx context.Context, target model.Target, userID int64) (model.Direction, error) {
	args := m.Called(ctx, target, userID)
	return args.Get(0).(model.Direction), args.Error(1)
}

func (m *MockEngine) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	args := m.Called(ctx, limit)
	entries, _ := args.Get(0).([]model.LeaderboardEntry)
	return entries, args.Error(1)
}

func (m *MockEngine) MonthLeaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	args := m.Called(ctx, limit)
	entries, _ := args.Get(0).([]model.LeaderboardEntry)
	return entries, args.Error(1)
}
