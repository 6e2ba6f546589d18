package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/lvdashuaibi/littleforum/config"
	"github.com/lvdashuaibi/littleforum/internal/model"
	"github.com/lvdashuaibi/littleforum/internal/repository"
	"github.com/lvdashuaibi/littleforum/internal/reputation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) SendVoteEvent(ctx context.Context, event *model.VoteEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func int64Ptr(v int64) *int64 { return &v }

func newRules(t *testing.T) *reputation.RuleTable {
	t.Helper()
	rules, err := reputation.NewRuleTable(config.DefaultReputation, nil)
	require.NoError(t, err)
	return rules
}

var testNow = time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)

// newTestService 默认使用停在 testNow 的假时钟，延迟删除不会自行触发
func newTestService(t *testing.T, opts ...Option) (*VoteService, *memStore) {
	t.Helper()
	store := newMemStore()
	opts = append([]Option{WithClock(clockwork.NewFakeClockAt(testNow))}, opts...)
	return NewVoteService(store, newRules(t), zap.NewNop(), opts...), store
}

func newRedisCache(t *testing.T) (*repository.RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache, err := repository.NewRedisRepositoryWithClient(context.Background(), client, time.Minute, 30*time.Second, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return cache, mr
}

func TestQuestionVoteLifecycle(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	author := int64(1)
	question := store.addQuestion(10, int64Ptr(author))

	res, err := svc.CastVote(ctx, question, 2, "up")
	require.NoError(t, err)
	assert.Equal(t, model.VoteAdded, res.Outcome)
	assert.Equal(t, model.DirectionUp, res.Direction)
	assert.Equal(t, 5, res.Delta)
	assert.Equal(t, 5, store.reputationOf(author))

	res, err = svc.CastVote(ctx, question, 2, "down")
	require.NoError(t, err)
	assert.Equal(t, model.VoteUpdated, res.Outcome)
	assert.Equal(t, model.DirectionUp, res.Previous)
	assert.Equal(t, -7, res.Delta)
	assert.Equal(t, -2, store.reputationOf(author))

	res, err = svc.CastVote(ctx, question, 2, "down")
	require.NoError(t, err)
	assert.Equal(t, model.VoteRemoved, res.Outcome)
	assert.Empty(t, res.Direction)
	assert.Equal(t, 0, store.reputationOf(author))

	tally, err := svc.Tally(ctx, question)
	require.NoError(t, err)
	assert.Equal(t, model.Tally{}, tally)
	assert.Zero(t, store.voteCount())
}

func TestAnswerVotesFromMultipleVoters(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	store.addQuestion(1, int64Ptr(100))
	answer := store.addAnswer(20, 1, int64Ptr(7))

	for _, voter := range []int64{1, 2, 3} {
		_, err := svc.CastVote(ctx, answer, voter, "up")
		require.NoError(t, err)
	}
	_, err := svc.CastVote(ctx, answer, 4, "down")
	require.NoError(t, err)

	assert.Equal(t, 28, store.reputationOf(7))

	count, err := svc.VoteCount(ctx, answer)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	tally, err := svc.Tally(ctx, answer)
	require.NoError(t, err)
	assert.Equal(t, model.Tally{Up: 3, Down: 1}, tally)
}

func TestReviewUsesReviewRules(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	review := store.addReview(5, int64Ptr(9))

	res, err := svc.CastVote(ctx, review, 1, "down")
	require.NoError(t, err)
	assert.Equal(t, -1, res.Delta)

	res, err = svc.CastVote(ctx, review, 1, "up")
	require.NoError(t, err)
	assert.Equal(t, model.VoteUpdated, res.Outcome)
	assert.Equal(t, 4, res.Delta)
	assert.Equal(t, 3, store.reputationOf(9))
}

func TestCastVoteRejections(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	question := store.addQuestion(10, int64Ptr(1))

	tests := []struct {
		name      string
		voter     int64
		direction string
	}{
		{name: "self vote", voter: 1, direction: "up"},
		{name: "anonymous", voter: 0, direction: "up"},
		{name: "invalid direction", voter: 2, direction: "sideways"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.CastVote(ctx, question, tt.voter, tt.direction)
			require.NoError(t, err)
			assert.Equal(t, model.VoteRejected, res.Outcome)
			assert.Zero(t, res.Delta)
		})
	}

	assert.Zero(t, store.voteCount())
	assert.Zero(t, store.reputationOf(1))
}

func TestVoteOnAuthorlessTarget(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	question := store.addQuestion(3, nil)

	res, err := svc.CastVote(ctx, question, 2, "up")
	require.NoError(t, err)
	assert.Equal(t, model.VoteAdded, res.Outcome)
	assert.Zero(t, res.Delta)

	count, err := svc.VoteCount(ctx, question)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestConcurrentInsertRetriesAsUpdate(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	author := int64(1)
	question := store.addQuestion(10, int64Ptr(author))

	// 另一个事务抢先插入了同一用户的反对票并已提交
	raced := false
	store.beforeCreate = func(committed *memState, key voteKey) error {
		if raced {
			return nil
		}
		raced = true
		committed.votes[key] = model.Vote{
			ID: 99, VoterID: key.voter, TargetKind: key.kind, TargetID: key.target,
			Direction: model.DirectionDown,
		}
		committed.reputation[author] += -2
		return model.ErrVoteConflict
	}

	res, err := svc.CastVote(ctx, question, 2, "up")
	require.NoError(t, err)
	assert.Equal(t, model.VoteUpdated, res.Outcome)
	assert.Equal(t, model.DirectionDown, res.Previous)
	assert.Equal(t, 7, res.Delta)
	assert.Equal(t, 5, store.reputationOf(author))
	assert.Equal(t, 1, store.voteCount())
}

func TestConflictRetriedOnlyOnce(t *testing.T) {
	svc, store := newTestService(t)
	question := store.addQuestion(10, int64Ptr(1))

	attempts := 0
	store.beforeCreate = func(*memState, voteKey) error {
		attempts++
		return model.ErrVoteConflict
	}

	_, err := svc.CastVote(context.Background(), question, 2, "up")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrVoteConflict)
	assert.Equal(t, 2, attempts)
	assert.Zero(t, store.reputationOf(1))
}

func TestStorageFailureLeavesNoPartialState(t *testing.T) {
	svc, store := newTestService(t)
	question := store.addQuestion(10, int64Ptr(1))
	store.failReputation = errors.New("connection reset")

	_, err := svc.CastVote(context.Background(), question, 2, "up")
	require.Error(t, err)
	assert.Zero(t, store.voteCount())
	assert.Zero(t, store.reputationOf(1))
}

func TestConcurrentVotesKeepReputationConsistent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	answer := store.addAnswer(1, 1, int64Ptr(500))

	var wg sync.WaitGroup
	for voter := int64(1); voter <= 50; voter++ {
		wg.Add(1)
		go func(voter int64) {
			defer wg.Done()
			_, err := svc.CastVote(ctx, answer, voter, "up")
			assert.NoError(t, err)
		}(voter)
	}
	wg.Wait()

	assert.Equal(t, 500, store.reputationOf(500))
	count, err := svc.VoteCount(ctx, answer)
	require.NoError(t, err)
	assert.EqualValues(t, 50, count)
}

func TestSameVoterConcurrentToggle(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	question := store.addQuestion(10, int64Ptr(1))

	outcomes := make(chan model.VoteOutcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.CastVote(ctx, question, 2, "up")
			if assert.NoError(t, err) {
				outcomes <- res.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	var got []model.VoteOutcome
	for o := range outcomes {
		got = append(got, o)
	}
	assert.ElementsMatch(t, []model.VoteOutcome{model.VoteAdded, model.VoteRemoved}, got)
	assert.Zero(t, store.reputationOf(1))
	assert.Zero(t, store.voteCount())
}

func TestCurrentUserVote(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	question := store.addQuestion(10, int64Ptr(1))

	dir, err := svc.CurrentUserVote(ctx, question, 2)
	require.NoError(t, err)
	assert.Empty(t, dir)

	_, err = svc.CastVote(ctx, question, 2, "down")
	require.NoError(t, err)

	dir, err = svc.CurrentUserVote(ctx, question, 2)
	require.NoError(t, err)
	assert.Equal(t, model.DirectionDown, dir)

	dir, err = svc.CurrentUserVote(ctx, question, 0)
	require.NoError(t, err)
	assert.Empty(t, dir)
}

func TestListForTargetsUsesCacheAndFillsMisses(t *testing.T) {
	cache, mr := newRedisCache(t)
	svc, store := newTestService(t, WithCache(cache))
	ctx := context.Background()
	store.addQuestion(1, nil)
	a := store.addAnswer(11, 1, int64Ptr(5))
	b := store.addAnswer(12, 1, int64Ptr(6))
	store.addAnswer(13, 1, int64Ptr(7))

	_, err := svc.CastVote(ctx, a, 1, "up")
	require.NoError(t, err)
	_, err = svc.CastVote(ctx, b, 1, "down")
	require.NoError(t, err)

	// 预先缓存一个已知值
	require.NoError(t, cache.SetTally(ctx, model.KindAnswer, 11, model.Tally{Up: 1}))

	tallies, err := svc.ListForTargets(ctx, model.KindAnswer, []int64{11, 12, 13, 12})
	require.NoError(t, err)
	assert.Equal(t, map[int64]model.Tally{
		11: {Up: 1},
		12: {Down: 1},
		13: {},
	}, tallies)

	assert.True(t, mr.Exists(repository.TallyKey(model.KindAnswer, 12)))
	assert.True(t, mr.Exists(repository.TallyKey(model.KindAnswer, 13)))
}

func TestCastVoteInvalidatesCachedTally(t *testing.T) {
	cache, mr := newRedisCache(t)
	svc, store := newTestService(t, WithCache(cache))
	ctx := context.Background()
	question := store.addQuestion(10, int64Ptr(1))

	tally, err := svc.Tally(ctx, question)
	require.NoError(t, err)
	assert.Equal(t, model.Tally{}, tally)
	require.True(t, mr.Exists(repository.TallyKey(model.KindQuestion, 10)))

	_, err = svc.CastVote(ctx, question, 2, "up")
	require.NoError(t, err)
	assert.False(t, mr.Exists(repository.TallyKey(model.KindQuestion, 10)))

	tally, err = svc.Tally(ctx, question)
	require.NoError(t, err)
	assert.Equal(t, model.Tally{Up: 1}, tally)
}

func TestDelayedRedeleteDropsStaleTally(t *testing.T) {
	cache, mr := newRedisCache(t)
	clock := clockwork.NewFakeClockAt(testNow)
	svc, store := newTestService(t, WithCache(cache), WithClock(clock))
	ctx := context.Background()
	question := store.addQuestion(10, int64Ptr(1))
	key := repository.TallyKey(model.KindQuestion, 10)

	_, err := svc.CastVote(ctx, question, 2, "up")
	require.NoError(t, err)

	// 并发读者在提交前读到旧票数，在第一次删除之后才回填
	require.NoError(t, cache.SetTally(ctx, model.KindQuestion, 10, model.Tally{}))
	tally, err := svc.Tally(ctx, question)
	require.NoError(t, err)
	assert.Equal(t, model.Tally{}, tally)

	clock.Advance(defaultRedeleteDelay)
	assert.Eventually(t, func() bool { return !mr.Exists(key) }, time.Second, 10*time.Millisecond)

	tally, err = svc.Tally(ctx, question)
	require.NoError(t, err)
	assert.Equal(t, model.Tally{Up: 1}, tally)
}

func TestPublishedEventsLeaveLeaderboardToConsumer(t *testing.T) {
	cache, mr := newRedisCache(t)
	publisher := new(mockPublisher)
	var sent *model.VoteEvent
	publisher.On("SendVoteEvent", mock.Anything, mock.MatchedBy(func(e *model.VoteEvent) bool {
		return e.Type == model.EventVote && e.Outcome == model.VoteAdded && e.Delta == 5
	})).Run(func(args mock.Arguments) {
		sent = args.Get(1).(*model.VoteEvent)
	}).Return(nil).Once()

	svc, store := newTestService(t, WithCache(cache), WithPublisher(publisher))
	ctx := context.Background()
	question := store.addQuestion(10, int64Ptr(1))
	key := repository.LeaderboardKey(model.BoardAllTime, testNow)

	entries, err := svc.Leaderboard(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.True(t, mr.Exists(key))

	_, err = svc.CastVote(ctx, question, 2, "up")
	require.NoError(t, err)
	publisher.AssertExpectations(t)
	assert.True(t, mr.Exists(key))

	require.NotNil(t, sent)
	require.NoError(t, svc.ProcessVoteEvent(ctx, sent))
	require.NoError(t, svc.ProcessVoteEvent(ctx, sent))
	assert.False(t, mr.Exists(key))

	entries, err = svc.Leaderboard(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []model.LeaderboardEntry{{UserID: 1, Reputation: 5}}, entries)
}

func TestPublishFailureFallsBackToDirectUpdate(t *testing.T) {
	cache, _ := newRedisCache(t)
	publisher := new(mockPublisher)
	publisher.On("SendVoteEvent", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	svc, store := newTestService(t, WithCache(cache), WithPublisher(publisher))
	ctx := context.Background()
	question := store.addQuestion(10, int64Ptr(1))

	entries, err := svc.Leaderboard(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = svc.CastVote(ctx, question, 2, "up")
	require.NoError(t, err)

	entries, err = svc.Leaderboard(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []model.LeaderboardEntry{{UserID: 1, Reputation: 5}}, entries)
}

func TestLeaderboardKeepsUsersWithoutRecentVotes(t *testing.T) {
	cache, _ := newRedisCache(t)
	svc, store := newTestService(t, WithCache(cache))
	ctx := context.Background()
	store.setReputation(1, 100)
	question := store.addQuestion(20, int64Ptr(2))

	_, err := svc.CastVote(ctx, question, 3, "up")
	require.NoError(t, err)

	entries, err := svc.Leaderboard(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, []model.LeaderboardEntry{
		{UserID: 1, Reputation: 100},
		{UserID: 2, Reputation: 5},
	}, entries)
}

func TestLeaderboardServedFromCache(t *testing.T) {
	cache, _ := newRedisCache(t)
	svc, store := newTestService(t, WithCache(cache))
	ctx := context.Background()
	store.setReputation(1, 30)
	store.setReputation(2, 20)
	store.setReputation(3, 10)

	entries, err := svc.Leaderboard(ctx, 100)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// 直接改库不会失效缓存，缓存按 limit 截取
	store.setReputation(4, 99)

	entries, err = svc.Leaderboard(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []model.LeaderboardEntry{
		{UserID: 1, Reputation: 30},
		{UserID: 2, Reputation: 20},
	}, entries)
}

func TestLeaderboardCorruptCacheFallsBackToStore(t *testing.T) {
	cache, mr := newRedisCache(t)
	svc, store := newTestService(t, WithCache(cache))
	store.setReputation(1, 7)
	require.NoError(t, mr.Set(repository.LeaderboardKey(model.BoardAllTime, testNow), "{"))

	entries, err := svc.Leaderboard(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []model.LeaderboardEntry{{UserID: 1, Reputation: 7}}, entries)
}

func TestLeaderboardFallsBackToStore(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	q := store.addQuestion(1, int64Ptr(1))
	a := store.addAnswer(2, 1, int64Ptr(2))

	_, err := svc.CastVote(ctx, q, 3, "up")
	require.NoError(t, err)
	_, err = svc.CastVote(ctx, a, 3, "up")
	require.NoError(t, err)

	entries, err := svc.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.EqualValues(t, 2, entries[0].UserID)
	assert.EqualValues(t, 1, entries[1].UserID)
}

func TestLeaderboardLimitIsClamped(t *testing.T) {
	svc, store := newTestService(t)
	for id := int64(1); id <= 130; id++ {
		store.setReputation(id, int(id))
	}

	entries, err := svc.Leaderboard(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, entries, model.DefaultLeaderboardLimit)

	entries, err = svc.Leaderboard(context.Background(), 1000)
	require.NoError(t, err)
	assert.Len(t, entries, model.MaxLeaderboardLimit)
	assert.EqualValues(t, 130, entries[0].UserID)
}

func TestMonthLeaderboard(t *testing.T) {
	cache, mr := newRedisCache(t)
	svc, store := newTestService(t, WithCache(cache))
	ctx := context.Background()

	store.setReputation(1, 10)
	store.setReputation(2, 50)
	store.setReputation(3, -2)
	store.posted(1, time.Date(2026, time.October, 2, 8, 0, 0, 0, time.UTC))
	store.posted(2, time.Date(2026, time.September, 30, 23, 59, 0, 0, time.UTC))
	store.posted(3, time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC))

	entries, err := svc.MonthLeaderboard(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []model.LeaderboardEntry{
		{UserID: 1, Reputation: 10},
		{UserID: 3, Reputation: -2},
	}, entries)
	assert.True(t, mr.Exists("leaderboard:month:2026-10"))
	assert.False(t, mr.Exists(repository.LeaderboardKey(model.BoardAllTime, testNow)))
}

func TestMonthLeaderboardDefaultsToTopTen(t *testing.T) {
	svc, store := newTestService(t)
	for id := int64(1); id <= 15; id++ {
		store.setReputation(id, int(id)*10)
		store.posted(id, testNow.Add(-time.Hour))
	}

	entries, err := svc.MonthLeaderboard(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, model.DefaultMonthLeaderboardLimit)
	assert.EqualValues(t, 15, entries[0].UserID)
	assert.EqualValues(t, 6, entries[9].UserID)
}

func TestMonthLeaderboardInvalidatedByVote(t *testing.T) {
	cache, _ := newRedisCache(t)
	svc, store := newTestService(t, WithCache(cache))
	ctx := context.Background()
	store.posted(1, testNow)
	store.posted(2, testNow)
	store.setReputation(2, 3)
	question := store.addQuestion(10, int64Ptr(1))

	entries, err := svc.MonthLeaderboard(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []model.LeaderboardEntry{{UserID: 2, Reputation: 3}, {UserID: 1}}, entries)

	_, err = svc.CastVote(ctx, question, 5, "up")
	require.NoError(t, err)

	entries, err = svc.MonthLeaderboard(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []model.LeaderboardEntry{{UserID: 1, Reputation: 5}, {UserID: 2, Reputation: 3}}, entries)
}
