package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/littleforum/config"
	"github.com/lvdashuaibi/littleforum/internal/model"
	"go.uber.org/zap"
)

const (
	// MySQL错误码: 唯一键冲突 / 死锁
	mysqlDuplicateEntry = 1062
	mysqlDeadlock       = 1213
)

// 各类实体对应的表
var targetTables = map[model.TargetKind]string{
	model.KindQuestion: "questions",
	model.KindAnswer:   "answers",
	model.KindReview:   "course_reviews",
}

const voteColumns = "id, voter_id, target_kind, target_id, direction, cast_at"

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
	now      func() time.Time
}

var _ Store = (*MySQLRepository)(nil)

func NewMySQLRepository(logger *zap.Logger) (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", config.AppConfig.MySQL.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	masterDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB := masterDB
	if config.AppConfig.MySQL.Slave != "" {
		slaveDB, err = sql.Open("mysql", config.AppConfig.MySQL.Slave)
		if err != nil {
			return nil, fmt.Errorf("连接从数据库失败: %w", err)
		}

		slaveDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
		slaveDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
		slaveDB.SetConnMaxLifetime(time.Hour)

		if err = slaveDB.Ping(); err != nil {
			logger.Warn("从数据库连接测试失败，将使用主数据库代替", zap.Error(err))
			slaveDB.Close()
			slaveDB = masterDB
		}
	}

	return NewMySQLRepositoryWithDB(masterDB, slaveDB), nil
}

// NewMySQLRepositoryWithDB 使用已有连接创建仓库，slave 为空时读写都走主库
func NewMySQLRepositoryWithDB(master, slave *sql.DB) *MySQLRepository {
	if slave == nil {
		slave = master
	}
	return &MySQLRepository{
		masterDB: master,
		slaveDB:  slave,
		now:      time.Now,
	}
}

// InTx 在主库事务中执行 fn
func (r *MySQLRepository) InTx(ctx context.Context, fn func(Ledger) error) error {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	if err := fn(&mysqlLedger{tx: tx, now: r.now}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("回滚事务失败: %v: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// Find 查询用户对实体的投票，不存在时返回 nil
// 读主库，投票后立即读取需要看到最新状态
func (r *MySQLRepository) Find(ctx context.Context, voterID int64, kind model.TargetKind, targetID int64) (*model.Vote, error) {
	query := "SELECT " + voteColumns + " FROM votes WHERE voter_id = ? AND target_kind = ? AND target_id = ?"
	return scanVote(r.masterDB.QueryRowContext(ctx, query, voterID, kind, targetID))
}

// Tally 统计实体的赞成/反对票数
func (r *MySQLRepository) Tally(ctx context.Context, kind model.TargetKind, targetID int64) (model.Tally, error) {
	query := "SELECT direction, COUNT(*) FROM votes WHERE target_kind = ? AND target_id = ? GROUP BY direction"
	rows, err := r.masterDB.QueryContext(ctx, query, kind, targetID)
	if err != nil {
		return model.Tally{}, fmt.Errorf("统计票数失败: %w", err)
	}
	defer rows.Close()

	var tally model.Tally
	for rows.Next() {
		var direction model.Direction
		var count int64
		if err := rows.Scan(&direction, &count); err != nil {
			return model.Tally{}, fmt.Errorf("扫描票数失败: %w", err)
		}
		addCount(&tally, direction, count)
	}
	if err := rows.Err(); err != nil {
		return model.Tally{}, fmt.Errorf("迭代票数失败: %w", err)
	}

	return tally, nil
}

// ListForTargets 批量统计多个实体的票数，没有投票的实体返回零值
func (r *MySQLRepository) ListForTargets(ctx context.Context, kind model.TargetKind, targetIDs []int64) (map[int64]model.Tally, error) {
	result := make(map[int64]model.Tally, len(targetIDs))
	if len(targetIDs) == 0 {
		return result, nil
	}

	args := make([]interface{}, 0, len(targetIDs)+1)
	args = append(args, kind)
	for _, id := range targetIDs {
		result[id] = model.Tally{}
		args = append(args, id)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(targetIDs)), ", ")
	query := "SELECT target_id, direction, COUNT(*) FROM votes WHERE target_kind = ? AND target_id IN (" +
		placeholders + ") GROUP BY target_id, direction"

	rows, err := r.masterDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("批量统计票数失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var targetID, count int64
		var direction model.Direction
		if err := rows.Scan(&targetID, &direction, &count); err != nil {
			return nil, fmt.Errorf("扫描票数失败: %w", err)
		}
		tally := result[targetID]
		addCount(&tally, direction, count)
		result[targetID] = tally
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代票数失败: %w", err)
	}

	return result, nil
}

// ResolveTarget 查询实体及其作者
func (r *MySQLRepository) ResolveTarget(ctx context.Context, kind model.TargetKind, targetID int64) (*model.Target, error) {
	table, ok := targetTables[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidKind, kind)
	}

	var authorID sql.NullInt64
	query := fmt.Sprintf("SELECT author_id FROM %s WHERE id = ?", table)
	if err := r.slaveDB.QueryRowContext(ctx, query, targetID).Scan(&authorID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s %d", model.ErrTargetNotFound, kind, targetID)
		}
		return nil, fmt.Errorf("查询%s作者失败: %w", kind, err)
	}

	return &model.Target{Kind: kind, ID: targetID, AuthorID: nullableID(authorID)}, nil
}

// Leaderboard 声望排行榜，只包含声望大于0的用户
func (r *MySQLRepository) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	query := `SELECT user_id, username, reputation_points FROM user_profiles
			  WHERE reputation_points > 0
			  ORDER BY reputation_points DESC, user_id
			  LIMIT ?`
	return r.queryLeaderboard(ctx, query, limit)
}

// MonthLeaderboard 自 since 起发过问题、答案或课程评价的用户按声望排序
func (r *MySQLRepository) MonthLeaderboard(ctx context.Context, since time.Time, limit int) ([]model.LeaderboardEntry, error) {
	query := `SELECT p.user_id, p.username, p.reputation_points FROM user_profiles p
			  WHERE p.user_id IN (
				  SELECT author_id FROM questions WHERE created_at >= ? AND author_id IS NOT NULL
				  UNION SELECT author_id FROM answers WHERE created_at >= ? AND author_id IS NOT NULL
				  UNION SELECT author_id FROM course_reviews WHERE created_at >= ? AND author_id IS NOT NULL
			  )
			  ORDER BY p.reputation_points DESC, p.user_id
			  LIMIT ?`
	return r.queryLeaderboard(ctx, query, since, since, since, limit)
}

func (r *MySQLRepository) queryLeaderboard(ctx context.Context, query string, args ...interface{}) ([]model.LeaderboardEntry, error) {
	rows, err := r.slaveDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询排行榜失败: %w", err)
	}
	defer rows.Close()

	entries := []model.LeaderboardEntry{}
	for rows.Next() {
		var entry model.LeaderboardEntry
		if err := rows.Scan(&entry.UserID, &entry.Username, &entry.Reputation); err != nil {
			return nil, fmt.Errorf("扫描排行榜失败: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代排行榜失败: %w", err)
	}

	return entries, nil
}

// DeleteOrphanVotes 删除实体已不存在的投票
func (r *MySQLRepository) DeleteOrphanVotes(ctx context.Context, kind model.TargetKind) (int64, error) {
	table, ok := targetTables[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %q", model.ErrInvalidKind, kind)
	}

	query := fmt.Sprintf(`DELETE v FROM votes v
			  LEFT JOIN %s t ON t.id = v.target_id
			  WHERE v.target_kind = ? AND t.id IS NULL`, table)
	result, err := r.masterDB.ExecContext(ctx, query, kind)
	if err != nil {
		return 0, fmt.Errorf("清理%s孤立投票失败: %w", kind, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("获取清理结果失败: %w", err)
	}
	return deleted, nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}

type mysqlLedger struct {
	tx  *sql.Tx
	now func() time.Time
}

func (l *mysqlLedger) FindForUpdate(ctx context.Context, voterID int64, kind model.TargetKind, targetID int64) (*model.Vote, error) {
	query := "SELECT " + voteColumns + " FROM votes WHERE voter_id = ? AND target_kind = ? AND target_id = ? FOR UPDATE"
	return scanVote(l.tx.QueryRowContext(ctx, query, voterID, kind, targetID))
}

func (l *mysqlLedger) Create(ctx context.Context, voterID int64, kind model.TargetKind, targetID int64, direction model.Direction) (*model.Vote, error) {
	castAt := l.now()
	query := "INSERT INTO votes (voter_id, target_kind, target_id, direction, cast_at) VALUES (?, ?, ?, ?, ?)"
	result, err := l.tx.ExecContext(ctx, query, voterID, kind, targetID, direction, castAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		// 两个事务同时插入时，FOR UPDATE 的间隙锁可能让其中一个以死锁失败
		if errors.As(err, &mysqlErr) && (mysqlErr.Number == mysqlDuplicateEntry || mysqlErr.Number == mysqlDeadlock) {
			return nil, model.ErrVoteConflict
		}
		return nil, fmt.Errorf("创建投票失败: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("获取投票ID失败: %w", err)
	}

	return &model.Vote{
		ID:         id,
		VoterID:    voterID,
		TargetKind: kind,
		TargetID:   targetID,
		Direction:  direction,
		CastAt:     castAt,
	}, nil
}

func (l *mysqlLedger) Update(ctx context.Context, vote *model.Vote, direction model.Direction) error {
	castAt := l.now()
	if _, err := l.tx.ExecContext(ctx, "UPDATE votes SET direction = ?, cast_at = ? WHERE id = ?", direction, castAt, vote.ID); err != nil {
		return fmt.Errorf("更新投票失败: %w", err)
	}
	vote.Direction = direction
	vote.CastAt = castAt
	return nil
}

func (l *mysqlLedger) Delete(ctx context.Context, vote *model.Vote) error {
	if _, err := l.tx.ExecContext(ctx, "DELETE FROM votes WHERE id = ?", vote.ID); err != nil {
		return fmt.Errorf("删除投票失败: %w", err)
	}
	return nil
}

func (l *mysqlLedger) AddReputation(ctx context.Context, userID int64, delta int) error {
	if delta == 0 {
		return nil
	}
	query := `INSERT INTO user_profiles (user_id, reputation_points) VALUES (?, ?)
			  ON DUPLICATE KEY UPDATE reputation_points = reputation_points + ?`
	if _, err := l.tx.ExecContext(ctx, query, userID, delta, delta); err != nil {
		return fmt.Errorf("更新用户 %d 声望失败: %w", userID, err)
	}
	return nil
}

func (l *mysqlLedger) AnswerQuestionID(ctx context.Context, answerID int64) (int64, error) {
	var questionID int64
	err := l.tx.QueryRowContext(ctx, "SELECT question_id FROM answers WHERE id = ?", answerID).Scan(&questionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %d", model.ErrAnswerNotFound, answerID)
		}
		return 0, fmt.Errorf("查询答案所属问题失败: %w", err)
	}
	return questionID, nil
}

func (l *mysqlLedger) FindAnswerForUpdate(ctx context.Context, answerID int64) (*model.Answer, error) {
	query := "SELECT id, question_id, author_id, is_accepted FROM answers WHERE id = ? FOR UPDATE"

	var answer model.Answer
	var authorID sql.NullInt64
	err := l.tx.QueryRowContext(ctx, query, answerID).Scan(&answer.ID, &answer.QuestionID, &authorID, &answer.Accepted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", model.ErrAnswerNotFound, answerID)
		}
		return nil, fmt.Errorf("查询答案失败: %w", err)
	}
	answer.AuthorID = nullableID(authorID)

	return &answer, nil
}

func (l *mysqlLedger) QuestionAuthorForUpdate(ctx context.Context, questionID int64) (*int64, error) {
	var authorID sql.NullInt64
	err := l.tx.QueryRowContext(ctx, "SELECT author_id FROM questions WHERE id = ? FOR UPDATE", questionID).Scan(&authorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: question %d", model.ErrTargetNotFound, questionID)
		}
		return nil, fmt.Errorf("查询问题作者失败: %w", err)
	}
	return nullableID(authorID), nil
}

func (l *mysqlLedger) ClearAcceptedAnswers(ctx context.Context, questionID int64) error {
	query := "UPDATE answers SET is_accepted = FALSE WHERE question_id = ? AND is_accepted = TRUE"
	if _, err := l.tx.ExecContext(ctx, query, questionID); err != nil {
		return fmt.Errorf("取消已采纳答案失败: %w", err)
	}
	return nil
}

func (l *mysqlLedger) MarkAnswerAccepted(ctx context.Context, answerID int64) error {
	if _, err := l.tx.ExecContext(ctx, "UPDATE answers SET is_accepted = TRUE WHERE id = ?", answerID); err != nil {
		return fmt.Errorf("采纳答案失败: %w", err)
	}
	return nil
}

func (l *mysqlLedger) MarkQuestionSolved(ctx context.Context, questionID int64) error {
	if _, err := l.tx.ExecContext(ctx, "UPDATE questions SET is_solved = TRUE WHERE id = ?", questionID); err != nil {
		return fmt.Errorf("标记问题已解决失败: %w", err)
	}
	return nil
}

func scanVote(row *sql.Row) (*model.Vote, error) {
	var vote model.Vote
	err := row.Scan(&vote.ID, &vote.VoterID, &vote.TargetKind, &vote.TargetID, &vote.Direction, &vote.CastAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询投票失败: %w", err)
	}
	return &vote, nil
}

func addCount(tally *model.Tally, direction model.Direction, count int64) {
	switch direction {
	case model.DirectionUp:
		tally.Up += count
	case model.DirectionDown:
		tally.Down += count
	}
}

func nullableID(id sql.NullInt64) *int64 {
	if !id.Valid {
		return nil
	}
	v := id.Int64
	return &v
}
