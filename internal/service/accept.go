package service

import (
	"context"
	"fmt"

	"github.com/lvdashuaibi/littleforum/internal/metrics"
	"github.com/lvdashuaibi/littleforum/internal/model"
	"github.com/lvdashuaibi/littleforum/internal/repository"
)

// AcceptAnswer 问题作者采纳答案
// 同一问题只能有一个被采纳的答案；重复采纳不会重复加分；取消旧答案的采纳不扣分
func (s *VoteService) AcceptAnswer(ctx context.Context, answerID, actorID int64) (model.AcceptOutcome, error) {
	if actorID == 0 {
		metrics.AnswerAcceptances.WithLabelValues(string(model.AnswerAcceptRejected)).Inc()
		return model.AnswerAcceptRejected, nil
	}

	outcome := model.AnswerAcceptRejected
	var answer *model.Answer
	var delta int

	err := s.store.InTx(ctx, func(l repository.Ledger) error {
		questionID, err := l.AnswerQuestionID(ctx, answerID)
		if err != nil {
			return err
		}

		// 先锁问题行，串行化同一问题下的采纳操作
		questionAuthor, err := l.QuestionAuthorForUpdate(ctx, questionID)
		if err != nil {
			return err
		}
		if questionAuthor == nil || *questionAuthor != actorID {
			outcome = model.AnswerAcceptRejected
			return nil
		}

		answer, err = l.FindAnswerForUpdate(ctx, answerID)
		if err != nil {
			return err
		}
		if answer.Accepted {
			outcome = model.AnswerAlreadyAccepted
			return nil
		}

		if err := l.ClearAcceptedAnswers(ctx, questionID); err != nil {
			return err
		}
		if err := l.MarkAnswerAccepted(ctx, answerID); err != nil {
			return err
		}
		if err := l.MarkQuestionSolved(ctx, questionID); err != nil {
			return err
		}

		outcome = model.AnswerAccepted
		if answer.AuthorID == nil {
			return nil
		}
		delta = s.rules.AnswerAccepted()
		return l.AddReputation(ctx, *answer.AuthorID, delta)
	})
	if err != nil {
		return "", fmt.Errorf("采纳答案 %d 失败: %w", answerID, err)
	}

	metrics.AnswerAcceptances.WithLabelValues(string(outcome)).Inc()
	if outcome == model.AnswerAccepted {
		s.afterCommit(ctx, &model.VoteEvent{
			Type:       model.EventAccept,
			TargetKind: model.KindAnswer,
			TargetID:   answerID,
			VoterID:    actorID,
			AuthorID:   answer.AuthorID,
			Delta:      delta,
			OccurredAt: s.now(),
		})
	}

	return outcome, nil
}
