// postgres.go

package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
	"github.com/rotisserie/eris"

	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/models"
)

// PostgresRepository 基于PostgreSQL的结算仓库
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository 创建结算仓库
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const playerColumns = `id, username, rating, level, xp, points, current_streak, best_streak,
total_matches, total_wins, created_at, updated_at`

func scanPlayer(row interface{ Scan(...interface{}) error }) (*models.Player, error) {
	var p models.Player
	err := row.Scan(&p.ID, &p.Username, &p.Rating, &p.Level, &p.XP, &p.Points, &p.CurrentStreak,
		&p.BestStreak, &p.TotalMatches, &p.TotalWins, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPlayer 实现 Repository
func (r *PostgresRepository) GetPlayer(ctx context.Context, playerID int64) (*models.Player, error) {
	p, err := scanPlayer(r.db.QueryRowContext(ctx, `SELECT `+playerColumns+` FROM players WHERE id = $1`, playerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, duel.NotFoundf("玩家不存在: %d", playerID)
		}
		return nil, eris.Wrapf(err, "查询玩家 %d 失败", playerID)
	}
	return p, nil
}

// GetPlayers 批量查询玩家
func (r *PostgresRepository) GetPlayers(ctx context.Context, ids []int64) (map[int64]*models.Player, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+playerColumns+` FROM players WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, eris.Wrap(err, "批量查询玩家失败")
	}
	defer rows.Close()

	out := make(map[int64]*models.Player, len(ids))
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "解析玩家失败")
		}
		out[p.ID] = p
	}
	return out, eris.Wrap(rows.Err(), "遍历玩家失败")
}

// CreatePlayer 创建玩家，用户名已存在时返回已有玩家
func (r *PostgresRepository) CreatePlayer(ctx context.Context, username string, rating int) (*models.Player, error) {
	p, err := scanPlayer(r.db.QueryRowContext(ctx, `INSERT INTO players (username, rating)
VALUES ($1, $2)
ON CONFLICT (username) DO UPDATE SET updated_at = players.updated_at
RETURNING `+playerColumns, username, rating))
	if err != nil {
		return nil, eris.Wrapf(err, "创建玩家 %s 失败", username)
	}
	return p, nil
}

// SaveRecord 实现 Repository
func (r *PostgresRepository) SaveRecord(ctx context.Context, rec *models.MatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "序列化终局记录失败")
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO duel_matches
(id, mode, subject, player_a, player_b, winner_id, reason, score_a, score_b, best_of, record, created_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING`,
		rec.MatchID, string(rec.Mode), rec.Subject, rec.Players[0].ID, rec.Players[1].ID, rec.WinnerID,
		string(rec.Reason), rec.Players[0].Score, rec.Players[1].Score, rec.BestOf, data,
		rec.CreatedAt, rec.FinishedAt)
	if err != nil {
		return eris.Wrapf(err, "保存终局记录 %s 失败", rec.MatchID)
	}
	return nil
}

// GetRecord 实现 Repository
func (r *PostgresRepository) GetRecord(ctx context.Context, matchID string) (*models.MatchRecord, error) {
	var (
		recData    []byte
		resultData []byte
		settledAt  sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `SELECT record, result, settled_at FROM duel_matches WHERE id = $1`, matchID).
		Scan(&recData, &resultData, &settledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, duel.NotFoundf("终局记录不存在: %s", matchID)
		}
		return nil, eris.Wrapf(err, "查询终局记录 %s 失败", matchID)
	}

	var rec models.MatchRecord
	if err := json.Unmarshal(recData, &rec); err != nil {
		return nil, eris.Wrap(err, "解析终局记录失败")
	}
	if settledAt.Valid {
		t := settledAt.Time
		rec.SettledAt = &t
	}
	if len(resultData) > 0 {
		var res models.SettlementResult
		if err := json.Unmarshal(resultData, &res); err != nil {
			return nil, eris.Wrap(err, "解析结算结果失败")
		}
		rec.Result = &res
	}
	return &rec, nil
}

// Commit 实现 Repository
func (r *PostgresRepository) Commit(ctx context.Context, rec *models.MatchRecord, res *models.SettlementResult) (*models.SettlementResult, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "开启结算事务失败")
	}
	defer tx.Rollback()

	// 幂等守卫
	guard, err := tx.ExecContext(ctx, `UPDATE duel_matches SET settled_at = $2 WHERE id = $1 AND settled_at IS NULL`,
		rec.MatchID, res.SettledAt)
	if err != nil {
		return nil, false, eris.Wrap(err, "写入结算标记失败")
	}
	n, err := guard.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "读取结算标记失败")
	}
	if n == 0 {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return nil, false, eris.Wrap(err, "回滚结算事务失败")
		}
		stored, err := r.GetRecord(ctx, rec.MatchID)
		if err != nil {
			return nil, false, err
		}
		return stored.Result, false, nil
	}

	for _, rp := range rec.Players {
		p, err := scanPlayer(tx.QueryRowContext(ctx, `SELECT `+playerColumns+` FROM players WHERE id = $1 FOR UPDATE`, rp.ID))
		if err != nil {
			return nil, false, eris.Wrapf(err, "锁定玩家 %d 失败", rp.ID)
		}
		d := res.Players[rp.ID]
		applyDelta(p, &d, rec, rp.ID)
		res.Players[rp.ID] = d

		_, err = tx.ExecContext(ctx, `UPDATE players SET rating = $2, xp = $3, level = $4, points = $5,
current_streak = $6, best_streak = $7, total_matches = $8, total_wins = $9, updated_at = NOW()
WHERE id = $1`,
			p.ID, p.Rating, p.XP, p.Level, p.Points, p.CurrentStreak, p.BestStreak, p.TotalMatches, p.TotalWins)
		if err != nil {
			return nil, false, eris.Wrapf(err, "写回玩家 %d 失败", rp.ID)
		}
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, false, eris.Wrap(err, "序列化结算结果失败")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE duel_matches SET result = $2 WHERE id = $1`, rec.MatchID, data); err != nil {
		return nil, false, eris.Wrap(err, "写入结算结果失败")
	}

	if err := tx.Commit(); err != nil {
		return nil, false, eris.Wrap(err, "提交结算事务失败")
	}
	return res, true, nil
}

// Pending 实现 Repository
func (r *PostgresRepository) Pending(ctx context.Context, limit int) ([]*models.MatchRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record FROM duel_matches WHERE settled_at IS NULL ORDER BY finished_at LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "查询待结算对局失败")
	}
	defer rows.Close()

	var out []*models.MatchRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "读取待结算对局失败")
		}
		var rec models.MatchRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, eris.Wrap(err, "解析待结算对局失败")
		}
		out = append(out, &rec)
	}
	return out, eris.Wrap(rows.Err(), "遍历待结算对局失败")
}
