package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lvdashuaibi/littleforum/internal/model"
	"github.com/lvdashuaibi/littleforum/internal/repository"
)

type voteKey struct {
	voter  int64
	kind   model.TargetKind
	target int64
}

type memQuestion struct {
	authorID *int64
	solved   bool
}

type memState struct {
	votes      map[voteKey]model.Vote
	reputation map[int64]int
	questions  map[int64]memQuestion
	answers    map[int64]model.Answer
	authors    map[model.TargetKind]map[int64]*int64
	nextID     int64
}

func (s *memState) clone() *memState {
	c := &memState{
		votes:      make(map[voteKey]model.Vote, len(s.votes)),
		reputation: make(map[int64]int, len(s.reputation)),
		questions:  make(map[int64]memQuestion, len(s.questions)),
		answers:    make(map[int64]model.Answer, len(s.answers)),
		authors:    s.authors,
		nextID:     s.nextID,
	}
	for k, v := range s.votes {
		c.votes[k] = v
	}
	for k, v := range s.reputation {
		c.reputation[k] = v
	}
	for k, v := range s.questions {
		c.questions[k] = v
	}
	for k, v := range s.answers {
		c.answers[k] = v
	}
	return c
}

// memStore 内存实现的 repository.Store，事务串行执行
type memStore struct {
	mu    sync.Mutex
	state *memState

	// beforeCreate 在插入投票前调用，可直接修改已提交状态模拟并发事务
	beforeCreate   func(committed *memState, key voteKey) error
	failReputation error

	// lastPosted 用户最近一次发布内容的时间
	lastPosted map[int64]time.Time
}

var _ repository.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{lastPosted: make(map[int64]time.Time), state: &memState{
		votes:      make(map[voteKey]model.Vote),
		reputation: make(map[int64]int),
		questions:  make(map[int64]memQuestion),
		answers:    make(map[int64]model.Answer),
		authors: map[model.TargetKind]map[int64]*int64{
			model.KindQuestion: {},
			model.KindAnswer:   {},
			model.KindReview:   {},
		},
	}}
}

func (s *memStore) addQuestion(id int64, author *int64) model.Target {
	s.state.questions[id] = memQuestion{authorID: author}
	s.state.authors[model.KindQuestion][id] = author
	return model.Target{Kind: model.KindQuestion, ID: id, AuthorID: author}
}

func (s *memStore) addAnswer(id, questionID int64, author *int64) model.Target {
	s.state.answers[id] = model.Answer{ID: id, QuestionID: questionID, AuthorID: author}
	s.state.authors[model.KindAnswer][id] = author
	return model.Target{Kind: model.KindAnswer, ID: id, AuthorID: author}
}

func (s *memStore) addReview(id int64, author *int64) model.Target {
	s.state.authors[model.KindReview][id] = author
	return model.Target{Kind: model.KindReview, ID: id, AuthorID: author}
}

func (s *memStore) setReputation(userID int64, points int) {
	s.state.reputation[userID] = points
}

func (s *memStore) posted(userID int64, at time.Time) {
	s.lastPosted[userID] = at
}

func (s *memStore) reputationOf(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.reputation[userID]
}

func (s *memStore) voteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.votes)
}

func (s *memStore) answer(id int64) model.Answer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.answers[id]
}

func (s *memStore) questionSolved(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.questions[id].solved
}

func (s *memStore) InTx(ctx context.Context, fn func(repository.Ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&memLedger{store: s, state: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

func (s *memStore) Find(ctx context.Context, voterID int64, kind model.TargetKind, targetID int64) (*model.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vote, ok := s.state.votes[voteKey{voterID, kind, targetID}]
	if !ok {
		return nil, nil
	}
	return &vote, nil
}

func (s *memStore) Tally(ctx context.Context, kind model.TargetKind, targetID int64) (model.Tally, error) {
	tallies, err := s.ListForTargets(ctx, kind, []int64{targetID})
	return tallies[targetID], err
}

func (s *memStore) ListForTargets(ctx context.Context, kind model.TargetKind, targetIDs []int64) (map[int64]model.Tally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[int64]model.Tally, len(targetIDs))
	for _, id := range targetIDs {
		result[id] = model.Tally{}
	}
	for key, vote := range s.state.votes {
		tally, ok := result[key.target]
		if key.kind != kind || !ok {
			continue
		}
		if vote.Direction == model.DirectionUp {
			tally.Up++
		} else {
			tally.Down++
		}
		result[key.target] = tally
	}
	return result, nil
}

func (s *memStore) ResolveTarget(ctx context.Context, kind model.TargetKind, targetID int64) (*model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	author, ok := s.state.authors[kind][targetID]
	if !ok {
		return nil, model.ErrTargetNotFound
	}
	return &model.Target{Kind: kind, ID: targetID, AuthorID: author}, nil
}

func (s *memStore) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := []model.LeaderboardEntry{}
	for userID, points := range s.state.reputation {
		if points > 0 {
			entries = append(entries, model.LeaderboardEntry{UserID: userID, Reputation: points})
		}
	}
	return sortEntries(entries, limit), nil
}

func (s *memStore) MonthLeaderboard(ctx context.Context, since time.Time, limit int) ([]model.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := []model.LeaderboardEntry{}
	for userID, at := range s.lastPosted {
		if !at.Before(since) {
			entries = append(entries, model.LeaderboardEntry{UserID: userID, Reputation: s.state.reputation[userID]})
		}
	}
	return sortEntries(entries, limit), nil
}

func sortEntries(entries []model.LeaderboardEntry, limit int) []model.LeaderboardEntry {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Reputation == entries[j].Reputation {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].Reputation > entries[j].Reputation
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func (s *memStore) DeleteOrphanVotes(ctx context.Context, kind model.TargetKind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key := range s.state.votes {
		if _, ok := s.state.authors[key.kind][key.target]; key.kind == kind && !ok {
			delete(s.state.votes, key)
			deleted++
		}
	}
	return deleted, nil
}

type memLedger struct {
	store *memStore
	state *memState
}

func (l *memLedger) FindForUpdate(ctx context.Context, voterID int64, kind model.TargetKind, targetID int64) (*model.Vote, error) {
	vote, ok := l.state.votes[voteKey{voterID, kind, targetID}]
	if !ok {
		return nil, nil
	}
	return &vote, nil
}

func (l *memLedger) Create(ctx context.Context, voterID int64, kind model.TargetKind, targetID int64, direction model.Direction) (*model.Vote, error) {
	key := voteKey{voterID, kind, targetID}
	if l.store.beforeCreate != nil {
		if err := l.store.beforeCreate(l.store.state, key); err != nil {
			return nil, err
		}
	}
	if _, ok := l.state.votes[key]; ok {
		return nil, model.ErrVoteConflict
	}

	l.state.nextID++
	vote := model.Vote{
		ID:         l.state.nextID,
		VoterID:    voterID,
		TargetKind: kind,
		TargetID:   targetID,
		Direction:  direction,
		CastAt:     time.Now(),
	}
	l.state.votes[key] = vote
	return &vote, nil
}

func (l *memLedger) Update(ctx context.Context, vote *model.Vote, direction model.Direction) error {
	key := voteKey{vote.VoterID, vote.TargetKind, vote.TargetID}
	updated := l.state.votes[key]
	updated.Direction = direction
	l.state.votes[key] = updated
	return nil
}

func (l *memLedger) Delete(ctx context.Context, vote *model.Vote) error {
	delete(l.state.votes, voteKey{vote.VoterID, vote.TargetKind, vote.TargetID})
	return nil
}

func (l *memLedger) AddReputation(ctx context.Context, userID int64, delta int) error {
	if l.store.failReputation != nil {
		return l.store.failReputation
	}
	l.state.reputation[userID] += delta
	return nil
}

func (l *memLedger) AnswerQuestionID(ctx context.Context, answerID int64) (int64, error) {
	answer, ok := l.state.answers[answerID]
	if !ok {
		return 0, model.ErrAnswerNotFound
	}
	return answer.QuestionID, nil
}

func (l *memLedger) FindAnswerForUpdate(ctx context.Context, answerID int64) (*model.Answer, error) {
	answer, ok := l.state.answers[answerID]
	if !ok {
		return nil, model.ErrAnswerNotFound
	}
	return &answer, nil
}

func (l *memLedger) QuestionAuthorForUpdate(ctx context.Context, questionID int64) (*int64, error) {
	question, ok := l.state.questions[questionID]
	if !ok {
		return nil, model.ErrTargetNotFound
	}
	return question.authorID, nil
}

func (l *memLedger) ClearAcceptedAnswers(ctx context.Context, questionID int64) error {
	for id, answer := range l.state.answers {
		if answer.QuestionID == questionID && answer.Accepted {
			answer.Accepted = false
			l.state.answers[id] = answer
		}
	}
	return nil
}

func (l *memLedger) MarkAnswerAccepted(ctx context.Context, answerID int64) error {
	answer := l.state.answers[answerID]
	answer.Accepted = true
	l.state.answers[answerID] = answer
	return nil
}

func (l *memLedger) MarkQuestionSolved(ctx context.Context, questionID int64) error {
	question := l.state.questions[questionID]
	question.solved = true
	l.state.questions[questionID] = question
	return nil
}
