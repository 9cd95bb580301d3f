// schema.go

package db

import (
	"context"

	"github.com/rotisserie/eris"
)

// 统一的数据库表结构定义

// CreateAllTablesSQL 创建所有表的SQL语句
const CreateAllTablesSQL = `
-- 玩家表（对局引擎只读写积分、经验、连对字段）
CREATE TABLE IF NOT EXISTS players (
    id BIGSERIAL PRIMARY KEY,
    username VARCHAR(50) UNIQUE NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,

    rating INT NOT NULL DEFAULT 1200,
    level INT NOT NULL DEFAULT 1,
    xp BIGINT NOT NULL DEFAULT 0,
    points BIGINT NOT NULL DEFAULT 0,
    current_streak INT NOT NULL DEFAULT 0,
    best_streak INT NOT NULL DEFAULT 0,

    total_matches INT NOT NULL DEFAULT 0,
    total_wins INT NOT NULL DEFAULT 0
);

-- 题库表
CREATE TABLE IF NOT EXISTS questions (
    id VARCHAR(64) PRIMARY KEY,
    subject VARCHAR(64) NOT NULL,
    stem TEXT NOT NULL,
    choices TEXT[] NOT NULL,
    correct_index INT NOT NULL,
    explanation TEXT NOT NULL DEFAULT '',
    hint TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
);

-- 对局终局记录表（settled_at 为结算幂等标记）
CREATE TABLE IF NOT EXISTS duel_matches (
    id UUID PRIMARY KEY,
    mode VARCHAR(10) NOT NULL,
    subject VARCHAR(64) NOT NULL,
    player_a BIGINT NOT NULL REFERENCES players(id),
    player_b BIGINT NOT NULL REFERENCES players(id),
    winner_id BIGINT,
    reason VARCHAR(20) NOT NULL,
    score_a INT NOT NULL DEFAULT 0,
    score_b INT NOT NULL DEFAULT 0,
    best_of INT NOT NULL,
    record JSONB NOT NULL,
    result JSONB,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
    finished_at TIMESTAMP WITH TIME ZONE NOT NULL,
    settled_at TIMESTAMP WITH TIME ZONE
);

-- 创建索引以提高查询性能
CREATE INDEX IF NOT EXISTS idx_questions_subject ON questions(subject);
CREATE INDEX IF NOT EXISTS idx_duel_matches_player_a ON duel_matches(player_a);
CREATE INDEX IF NOT EXISTS idx_duel_matches_player_b ON duel_matches(player_b);
CREATE INDEX IF NOT EXISTS idx_duel_matches_pending ON duel_matches(finished_at) WHERE settled_at IS NULL;
`

// DropAllTablesSQL 删除所有表的SQL语句
const DropAllTablesSQL = `
DROP TABLE IF EXISTS duel_matches CASCADE;
DROP TABLE IF EXISTS questions CASCADE;
DROP TABLE IF EXISTS players CASCADE;
`

// InitAllTables 初始化所有数据库表
func InitAllTables(ctx context.Context) error {
	if _, err := DB.ExecContext(ctx, CreateAllTablesSQL); err != nil {
		return eris.Wrap(err, "创建数据表失败")
	}
	return nil
}

// ResetAllTables 删除所有表和数据
func ResetAllTables(ctx context.Context) error {
	if _, err := DB.ExecContext(ctx, DropAllTablesSQL); err != nil {
		return eris.Wrap(err, "删除数据表失败")
	}
	return nil
}
