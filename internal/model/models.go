package model

import (
	"fmt"
	"strings"
	"time"
)

// Direction 投票方向
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// ParseDirection 解析投票方向，只接受 up / down
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionUp, DirectionDown:
		return Direction(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

// RuleSuffix 声望规则键后缀
func (d Direction) RuleSuffix() string {
	if d == DirectionUp {
		return "upvote"
	}
	return "downvote"
}

// TargetKind 可投票实体类型
type TargetKind string

const (
	KindQuestion TargetKind = "question"
	KindAnswer   TargetKind = "answer"
	KindReview   TargetKind = "review"
)

// TargetKinds 所有可投票实体类型
var TargetKinds = []TargetKind{KindQuestion, KindAnswer, KindReview}

// ParseTargetKind 解析实体类型，课程评价的内部名称统一归一为 review
func ParseTargetKind(s string) (TargetKind, error) {
	switch strings.ToLower(s) {
	case "question":
		return KindQuestion, nil
	case "answer":
		return KindAnswer, nil
	case "review", "coursereview", "course_review":
		return KindReview, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Target 被投票的实体描述，AuthorID 为空表示没有作者
type Target struct {
	Kind     TargetKind `json:"kind"`
	ID       int64      `json:"id"`
	AuthorID *int64     `json:"authorId,omitempty"`
}

// AuthoredBy 判断实体是否由该用户创建
func (t Target) AuthoredBy(userID int64) bool {
	return t.AuthorID != nil && *t.AuthorID == userID
}

// Vote 用户对实体的当前投票
type Vote struct {
	ID         int64      `json:"id"`
	VoterID    int64      `json:"voterId"`
	TargetKind TargetKind `json:"targetKind"`
	TargetID   int64      `json:"targetId"`
	Direction  Direction  `json:"direction"`
	CastAt     time.Time  `json:"castAt"`
}

// Tally 赞成/反对计数
type Tally struct {
	Up   int64 `json:"upvotes"`
	Down int64 `json:"downvotes"`
}

// Score 净票数
func (t Tally) Score() int64 {
	return t.Up - t.Down
}

// VoteOutcome 投票结果
type VoteOutcome string

const (
	VoteAdded    VoteOutcome = "added"
	VoteUpdated  VoteOutcome = "updated"
	VoteRemoved  VoteOutcome = "removed"
	VoteRejected VoteOutcome = "rejected"
)

// VoteResult 一次投票的处理结果
type VoteResult struct {
	Outcome VoteOutcome
	// Direction 投票后用户的当前方向，移除后为空
	Direction Direction
	Previous  Direction
	// Delta 作者声望变化量
	Delta int
}

// AcceptOutcome 采纳答案结果
type AcceptOutcome string

const (
	AnswerAccepted        AcceptOutcome = "accepted"
	AnswerAlreadyAccepted AcceptOutcome = "already_accepted"
	AnswerAcceptRejected  AcceptOutcome = "rejected"
)

// Answer 采纳流程需要的答案字段
type Answer struct {
	ID         int64
	QuestionID int64
	AuthorID   *int64
	Accepted   bool
}

// EventType 事件类型
type EventType string

const (
	EventVote   EventType = "vote"
	EventAccept EventType = "accept"
)

// VoteEvent Kafka投票/采纳事件
type VoteEvent struct {
	ID         string      `json:"id"`
	Type       EventType   `json:"type"`
	TargetKind TargetKind  `json:"targetKind"`
	TargetID   int64       `json:"targetId"`
	VoterID    int64       `json:"voterId"`
	AuthorID   *int64      `json:"authorId,omitempty"`
	Outcome    VoteOutcome `json:"outcome,omitempty"`
	Direction  Direction   `json:"direction,omitempty"`
	Previous   Direction   `json:"previous,omitempty"`
	Delta      int         `json:"delta"`
	OccurredAt time.Time   `json:"occurredAt"`
}

// LeaderboardEntry 排行榜条目
type LeaderboardEntry struct {
	UserID     int64  `json:"userId"`
	Username   string `json:"username"`
	Reputation int    `json:"reputation"`
}

// Board 排行榜类型
type Board string

const (
	// BoardAllTime 总声望榜，只包含声望大于0的用户
	BoardAllTime Board = "all_time"
	// BoardMonth 本月有发帖（问题/答案/评价）的用户按声望排序
	BoardMonth Board = "month"

	DefaultLeaderboardLimit      = 20
	DefaultMonthLeaderboardLimit = 10
	MaxLeaderboardLimit          = 100
	// MaxBatchTargets 单次批量查询票数的实体上限
	MaxBatchTargets = 100
)

// MonthStart 返回 t 所在月份的第一天零点
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// ClampLeaderboardLimit 非正数取 fallback，超过上限取上限
func ClampLeaderboardLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return min(limit, MaxLeaderboardLimit)
}
