package reputation

import (
	"fmt"

	"github.com/lvdashuaibi/littleforum/internal/model"
)

// AnswerAcceptedKey 答案被采纳的规则键
const AnswerAcceptedKey = "answer_accepted"

// RuleTable 声望规则表，启动时构建后只读
type RuleTable struct {
	points map[string]int
}

// RuleKey 返回 {kind}_{upvote|downvote} 规则键
func RuleKey(kind model.TargetKind, direction model.Direction) string {
	return string(kind) + "_" + direction.RuleSuffix()
}

func knownKeys() map[string]struct{} {
	keys := map[string]struct{}{AnswerAcceptedKey: {}}
	for _, kind := range model.TargetKinds {
		keys[RuleKey(kind, model.DirectionUp)] = struct{}{}
		keys[RuleKey(kind, model.DirectionDown)] = struct{}{}
	}
	return keys
}

// NewRuleTable 以 defaults 为基础叠加 overrides 构建规则表，未知规则键返回错误
func NewRuleTable(defaults, overrides map[string]int) (*RuleTable, error) {
	known := knownKeys()
	points := make(map[string]int, len(known))

	for _, src := range []map[string]int{defaults, overrides} {
		for key, value := range src {
			if _, ok := known[key]; !ok {
				return nil, fmt.Errorf("未知的声望规则: %s", key)
			}
			points[key] = value
		}
	}

	return &RuleTable{points: points}, nil
}

// PointsFor 某类实体收到某方向投票时作者获得的分数，缺省为0
func (t *RuleTable) PointsFor(kind model.TargetKind, direction model.Direction) int {
	return t.points[RuleKey(kind, direction)]
}

// AnswerAccepted 答案被采纳时作者获得的分数
func (t *RuleTable) AnswerAccepted() int {
	return t.points[AnswerAcceptedKey]
}
