package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/littleforum/internal/api"
	"github.com/lvdashuaibi/littleforum/internal/model"
	"go.uber.org/zap"
)

const schemaString = `
type Tally {
  upvotes: Int!
  downvotes: Int!
  score: Int!
}

type TargetTally {
  id: ID!
  upvotes: Int!
  downvotes: Int!
  score: Int!
}

type VoteResult {
  success: Boolean!
  result: String!
  voteCount: Int!
  userVote: String
  upvotes: Int!
  downvotes: Int!
  reputationDelta: Int!
}

type AcceptResult {
  success: Boolean!
  result: String!
}

type LeaderboardEntry {
  userId: ID!
  username: String!
  reputation: Int!
}

type Query {
  # 实体票数
  tally(kind: String!, id: ID!): Tally!

  # 批量查询同类实体票数
  tallies(kind: String!, ids: [ID!]!): [TargetTally!]!

  # 当前用户对实体的投票方向，未投票为空
  userVote(kind: String!, id: ID!): String

  # 声望排行榜，limit 最大 100
  leaderboard(limit: Int = 20): [LeaderboardEntry!]!

  # 本月发过问题、答案或评价的用户按声望排序
  monthLeaderboard(limit: Int = 10): [LeaderboardEntry!]!
}

type Mutation {
  # 投票，重复同方向投票会撤销
  castVote(kind: String!, id: ID!, direction: String!): VoteResult!

  # 问题作者采纳答案
  acceptAnswer(answerId: ID!): AcceptResult!
}

schema {
  query: Query
  mutation: Mutation
}
`

// GraphQLServer GraphQL服务
type GraphQLServer struct {
	schema  *graphql.Schema
	handler *relay.Handler
	logger  *zap.Logger
}

// NewGraphQLServer 创建GraphQL服务
func NewGraphQLServer(engine api.Engine, logger *zap.Logger) *GraphQLServer {
	schema := graphql.MustParseSchema(schemaString, NewResolver(engine))

	return &GraphQLServer{
		schema:  schema,
		handler: &relay.Handler{Schema: schema},
		logger:  logger.Named("graphql"),
	}
}

// ServeHTTP 从请求头解析当前用户后交给 relay 处理
func (s *GraphQLServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := api.WithUserID(r.Context(), api.UserIDFromRequest(r))
	s.handler.ServeHTTP(w, r.WithContext(ctx))
}

// Exec 直接执行查询
func (s *GraphQLServer) Exec(ctx context.Context, query string, variables map[string]interface{}) *graphql.Response {
	resp := s.schema.Exec(ctx, query, "", variables)
	for _, err := range resp.Errors {
		s.logger.Debug("GraphQL查询错误", zap.String("error", err.Message))
	}
	return resp
}

// Resolver GraphQL解析器
type Resolver struct {
	engine api.Engine
}

func NewResolver(engine api.Engine) *Resolver {
	return &Resolver{engine: engine}
}

func parseID(id graphql.ID) (int64, error) {
	v, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("无效的ID: %s", id)
	}
	return v, nil
}

func (r *Resolver) resolveTarget(ctx context.Context, kind string, id graphql.ID) (*model.Target, error) {
	targetID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	target, err := api.ResolveTarget(ctx, r.engine, kind, targetID)
	if errors.Is(err, model.ErrTargetNotFound) {
		return nil, fmt.Errorf("%s %s 不存在", kind, id)
	}
	return target, err
}

type targetArgs struct {
	Kind string
	ID   graphql.ID
}

// Tally 查询票数
func (r *Resolver) Tally(ctx context.Context, args targetArgs) (*TallyResolver, error) {
	target, err := r.resolveTarget(ctx, args.Kind, args.ID)
	if err != nil {
		return nil, err
	}
	tally, err := r.engine.Tally(ctx, *target)
	if err != nil {
		return nil, err
	}
	return &TallyResolver{tally: tally}, nil
}

// Tallies 批量查询票数，结果顺序与 ids 一致
func (r *Resolver) Tallies(ctx context.Context, args struct {
	Kind string
	IDs  []graphql.ID
}) ([]*TargetTallyResolver, error) {
	kind, err := model.ParseTargetKind(args.Kind)
	if err != nil {
		return nil, err
	}
	if len(args.IDs) > model.MaxBatchTargets {
		return nil, fmt.Errorf("一次最多查询 %d 个实体", model.MaxBatchTargets)
	}

	ids := make([]int64, len(args.IDs))
	for i, raw := range args.IDs {
		if ids[i], err = parseID(raw); err != nil {
			return nil, err
		}
	}

	tallies, err := r.engine.ListForTargets(ctx, kind, ids)
	if err != nil {
		return nil, err
	}

	resolvers := make([]*TargetTallyResolver, len(ids))
	for i, id := range ids {
		resolvers[i] = &TargetTallyResolver{id: id, TallyResolver: TallyResolver{tally: tallies[id]}}
	}
	return resolvers, nil
}

// UserVote 当前用户的投票方向
func (r *Resolver) UserVote(ctx context.Context, args targetArgs) (*string, error) {
	target, err := r.resolveTarget(ctx, args.Kind, args.ID)
	if err != nil {
		return nil, err
	}
	dir, err := r.engine.CurrentUserVote(ctx, *target, api.UserIDFrom(ctx))
	if err != nil || dir == "" {
		return nil, err
	}
	s := string(dir)
	return &s, nil
}

type limitArgs struct {
	Limit *int32
}

func (a limitArgs) clamp(fallback int) int {
	if a.Limit == nil {
		return fallback
	}
	return model.ClampLeaderboardLimit(int(*a.Limit), fallback)
}

// Leaderboard 声望排行榜
func (r *Resolver) Leaderboard(ctx context.Context, args limitArgs) ([]*LeaderboardEntryResolver, error) {
	entries, err := r.engine.Leaderboard(ctx, args.clamp(model.DefaultLeaderboardLimit))
	if err != nil {
		return nil, err
	}
	return entryResolvers(entries), nil
}

// MonthLeaderboard 本月活跃用户排行榜
func (r *Resolver) MonthLeaderboard(ctx context.Context, args limitArgs) ([]*LeaderboardEntryResolver, error) {
	entries, err := r.engine.MonthLeaderboard(ctx, args.clamp(model.DefaultMonthLeaderboardLimit))
	if err != nil {
		return nil, err
	}
	return entryResolvers(entries), nil
}

func entryResolvers(entries []model.LeaderboardEntry) []*LeaderboardEntryResolver {
	resolvers := make([]*LeaderboardEntryResolver, len(entries))
	for i, e := range entries {
		resolvers[i] = &LeaderboardEntryResolver{entry: e}
	}
	return resolvers
}

// CastVote 投票
func (r *Resolver) CastVote(ctx context.Context, args struct {
	Kind      string
	ID        graphql.ID
	Direction string
}) (*VoteResultResolver, error) {
	target, err := r.resolveTarget(ctx, args.Kind, args.ID)
	if err != nil {
		return nil, err
	}

	summary, err := api.CastAndSummarize(ctx, r.engine, *target, api.UserIDFrom(ctx), args.Direction)
	if err != nil {
		return nil, err
	}
	return &VoteResultResolver{summary: summary}, nil
}

// AcceptAnswer 采纳答案
func (r *Resolver) AcceptAnswer(ctx context.Context, args struct{ AnswerID graphql.ID }) (*AcceptResultResolver, error) {
	answerID, err := parseID(args.AnswerID)
	if err != nil {
		return nil, err
	}

	outcome, err := r.engine.AcceptAnswer(ctx, answerID, api.UserIDFrom(ctx))
	if err != nil {
		return nil, err
	}
	return &AcceptResultResolver{outcome: outcome}, nil
}

// TallyResolver 票数解析器
type TallyResolver struct {
	tally model.Tally
}

func (r *TallyResolver) Upvotes() int32   { return int32(r.tally.Up) }
func (r *TallyResolver) Downvotes() int32 { return int32(r.tally.Down) }
func (r *TallyResolver) Score() int32     { return int32(r.tally.Score()) }

// TargetTallyResolver 带实体ID的票数
type TargetTallyResolver struct {
	TallyResolver
	id int64
}

func (r *TargetTallyResolver) ID() graphql.ID {
	return graphql.ID(strconv.FormatInt(r.id, 10))
}

// VoteResultResolver 投票结果解析器
type VoteResultResolver struct {
	summary *api.VoteSummary
}

func (r *VoteResultResolver) Success() bool {
	return r.summary.Result.Outcome != model.VoteRejected
}

func (r *VoteResultResolver) Result() string {
	return string(r.summary.Result.Outcome)
}

func (r *VoteResultResolver) VoteCount() int32 {
	return int32(r.summary.Tally.Score())
}

func (r *VoteResultResolver) UserVote() *string {
	if r.summary.UserVote == "" {
		return nil
	}
	s := string(r.summary.UserVote)
	return &s
}

func (r *VoteResultResolver) Upvotes() int32 {
	return int32(r.summary.Tally.Up)
}

func (r *VoteResultResolver) Downvotes() int32 {
	return int32(r.summary.Tally.Down)
}

func (r *VoteResultResolver) ReputationDelta() int32 {
	return int32(r.summary.Result.Delta)
}

// AcceptResultResolver 采纳结果解析器
type AcceptResultResolver struct {
	outcome model.AcceptOutcome
}

func (r *AcceptResultResolver) Success() bool {
	return r.outcome != model.AnswerAcceptRejected
}

func (r *AcceptResultResolver) Result() string {
	return string(r.outcome)
}

// LeaderboardEntryResolver 排行榜条目解析器
type LeaderboardEntryResolver struct {
	entry model.LeaderboardEntry
}

func (r *LeaderboardEntryResolver) UserID() graphql.ID {
	return graphql.ID(strconv.FormatInt(r.entry.UserID, 10))
}

func (r *LeaderboardEntryResolver) Username() string {
	return r.entry.Username
}

func (r *LeaderboardEntryResolver) Reputation() int32 {
	return int32(r.entry.Reputation)
}
