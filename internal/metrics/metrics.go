package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VoteOutcomes 投票结果计数
	VoteOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forum_vote_outcomes_total",
			Help: "Vote submissions by target kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// VoteConflicts 唯一键冲突重试次数
	VoteConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forum_vote_conflicts_total",
			Help: "Vote inserts that lost a uniqueness race and were retried",
		},
	)

	// AnswerAcceptances 采纳答案结果计数
	AnswerAcceptances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forum_answer_acceptances_total",
			Help: "Answer acceptance requests by outcome",
		},
		[]string{"outcome"},
	)

	// TallyCache 票数缓存命中情况，result 取值 hit / miss / error
	TallyCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forum_tally_cache_total",
			Help: "Tally cache lookups by result",
		},
		[]string{"result"},
	)

	// LeaderboardCache 排行榜缓存命中情况
	LeaderboardCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forum_leaderboard_cache_total",
			Help: "Leaderboard cache lookups by board and result",
		},
		[]string{"board", "result"},
	)

	// ReconcileOrphans 清理的孤立投票数
	ReconcileOrphans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forum_reconcile_orphan_votes_total",
			Help: "Votes deleted because their target no longer exists",
		},
		[]string{"kind"},
	)
)
