package repository

import (
	"context"
	"fmt"
)

// 建表语句，可重复执行
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS user_profiles (
		user_id BIGINT NOT NULL PRIMARY KEY,
		username VARCHAR(150) NOT NULL DEFAULT '',
		reputation_points INT NOT NULL DEFAULT 0,
		INDEX idx_user_profiles_reputation (reputation_points)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS questions (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		author_id BIGINT NULL,
		title VARCHAR(200) NOT NULL DEFAULT '',
		is_solved BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT fk_questions_author FOREIGN KEY (author_id) REFERENCES user_profiles (user_id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS answers (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		question_id BIGINT NOT NULL,
		author_id BIGINT NULL,
		is_accepted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_answers_question (question_id, is_accepted),
		CONSTRAINT fk_answers_question FOREIGN KEY (question_id) REFERENCES questions (id) ON DELETE CASCADE,
		CONSTRAINT fk_answers_author FOREIGN KEY (author_id) REFERENCES user_profiles (user_id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS course_reviews (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		author_id BIGINT NULL,
		course_name VARCHAR(100) NOT NULL DEFAULT '',
		rating TINYINT NOT NULL DEFAULT 5,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT fk_reviews_author FOREIGN KEY (author_id) REFERENCES user_profiles (user_id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS votes (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		voter_id BIGINT NOT NULL,
		target_kind VARCHAR(16) NOT NULL,
		target_id BIGINT NOT NULL,
		direction ENUM('up', 'down') NOT NULL,
		cast_at DATETIME(6) NOT NULL,
		UNIQUE KEY uniq_votes_voter_target (voter_id, target_kind, target_id),
		INDEX idx_votes_target (target_kind, target_id),
		CONSTRAINT fk_votes_voter FOREIGN KEY (voter_id) REFERENCES user_profiles (user_id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// CreateSchema 创建所有表
func (r *MySQLRepository) CreateSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.masterDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("创建表结构失败: %w", err)
		}
	}
	return nil
}
