package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/convoke/internal/model"
)

// PostgresPlayRepo はPostgreSQLを使用したプレイ記録リポジトリ。
type PostgresPlayRepo struct {
	db *sql.DB
}

// NewPostgresPlayRepo はPostgresPlayRepoを生成する。
func NewPostgresPlayRepo(db *sql.DB) *PostgresPlayRepo {
	return &PostgresPlayRepo{db: db}
}

// Exists はユーザーのプレイ記録が存在するかを返す。
func (r *PostgresPlayRepo) Exists(ctx context.Context, gameID, userXID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM plays WHERE game_id = $1 AND user_xid = $2
		 )`,
		gameID, userXID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("プレイ記録の確認に失敗しました: %w", err)
	}
	return exists, nil
}

// Ensure は指定ユーザー全員のプレイ記録を作成する。既存の記録は変更しない。
func (r *PostgresPlayRepo) Ensure(ctx context.Context, gameID int64, userXIDs []int64) error {
	if len(userXIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO plays (user_xid, game_id)
		 SELECT unnest($1::bigint[]), $2
		 ON CONFLICT DO NOTHING`,
		pq.Array(userXIDs), gameID,
	)
	if err != nil {
		return fmt.Errorf("プレイ記録の作成に失敗しました: %w", err)
	}
	return nil
}

// UpsertPoints はユーザーのポイントを記録する。既存の記録があれば上書きする。
func (r *PostgresPlayRepo) UpsertPoints(ctx context.Context, gameID, userXID int64, points int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO plays (user_xid, game_id, points)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_xid, game_id) DO UPDATE SET points = EXCLUDED.points`,
		userXID, gameID, points,
	)
	if err != nil {
		return fmt.Errorf("ポイントの記録に失敗しました: %w", err)
	}
	return nil
}

// ListRecords はチャンネルの開始済みゲームの記録を新しい順に返す。
func (r *PostgresPlayRepo) ListRecords(ctx context.Context, guildXID, channelXID int64, limit int) ([]GameRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+gameColumns+` FROM games
		 WHERE guild_xid = $1 AND channel_xid = $2 AND status = $3
		 ORDER BY started_at DESC
		 LIMIT $4`,
		guildXID, channelXID, model.GameStatusStarted, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ゲーム記録の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []GameRecord
	for rows.Next() {
		game, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("ゲーム記録の読み取りに失敗しました: %w", err)
		}
		records = append(records, GameRecord{Game: *game})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ゲーム記録の走査に失敗しました: %w", err)
	}

	// ゲームごとの参加者と得点を取得する
	for i := range records {
		entries, err := r.listEntries(ctx, records[i].Game.ID)
		if err != nil {
			return nil, err
		}
		records[i].Entries = entries
	}

	return records, nil
}

// listEntries は1ゲーム分の参加者記録を取得する。
func (r *PostgresPlayRepo) listEntries(ctx context.Context, gameID int64) ([]RecordEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.user_xid, COALESCE(u.name, ''), p.points
		 FROM plays p
		 LEFT JOIN users u ON u.xid = p.user_xid
		 WHERE p.game_id = $1
		 ORDER BY p.user_xid`,
		gameID,
	)
	if err != nil {
		return nil, fmt.Errorf("参加者記録の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []RecordEntry
	for rows.Next() {
		var entry RecordEntry
		var points sql.NullInt64
		if err := rows.Scan(&entry.UserXID, &entry.UserName, &points); err != nil {
			return nil, fmt.Errorf("参加者記録の読み取りに失敗しました: %w", err)
		}
		if points.Valid {
			entry.Points = int(points.Int64)
			entry.HasPoints = true
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("参加者記録の走査に失敗しました: %w", err)
	}

	return entries, nil
}

// compile-time interface check
var _ PlayRepository = (*PostgresPlayRepo)(nil)
