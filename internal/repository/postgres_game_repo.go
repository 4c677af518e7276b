package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/convoke/internal/model"
)

// PostgresGameRepo はPostgreSQLを使用したゲームリポジトリ。
type PostgresGameRepo struct {
	db *sql.DB
}

// NewPostgresGameRepo はPostgresGameRepoを生成する。
func NewPostgresGameRepo(db *sql.DB) *PostgresGameRepo {
	return &PostgresGameRepo{db: db}
}

// gameColumns はSELECT句で使用するゲームのカラムリスト。
const gameColumns = `id, guild_xid, channel_xid, seats, format, bracket, service, status,
	       message_xid, voice_xid, link, spectate_link, voice_invite_link, password,
	       created_at, updated_at, started_at, deleted_at`

// scanGame は1行分のゲームをスキャンする。
func scanGame(row interface {
	Scan(dest ...any) error
}) (*model.Game, error) {
	game := &model.Game{}
	var messageXID, voiceXID sql.NullInt64
	var link, spectateLink, voiceInviteLink, password sql.NullString
	var startedAt, deletedAt sql.NullTime

	err := row.Scan(
		&game.ID, &game.GuildXID, &game.ChannelXID, &game.Seats,
		&game.Format, &game.Bracket, &game.Service, &game.Status,
		&messageXID, &voiceXID, &link, &spectateLink, &voiceInviteLink, &password,
		&game.CreatedAt, &game.UpdatedAt, &startedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	game.MessageXID = messageXID.Int64
	game.VoiceXID = voiceXID.Int64
	game.Link = nullStringValue(link)
	game.SpectateLink = nullStringValue(spectateLink)
	game.VoiceInviteLink = nullStringValue(voiceInviteLink)
	game.Password = nullStringValue(password)
	if startedAt.Valid {
		game.StartedAt = startedAt.Time
	}
	if deletedAt.Valid {
		game.DeletedAt = deletedAt.Time
	}

	return game, nil
}

// FindByID は指定IDのゲームを取得する。見つからない場合はnilを返す。
func (r *PostgresGameRepo) FindByID(ctx context.Context, id int64) (*model.Game, error) {
	game, err := scanGame(r.db.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM games WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ゲームの取得に失敗しました: %w", err)
	}
	return game, nil
}

// FindByVoiceXID はボイスチャンネルIDでゲームを検索する。見つからない場合はnilを返す。
func (r *PostgresGameRepo) FindByVoiceXID(ctx context.Context, voiceXID int64) (*model.Game, error) {
	game, err := scanGame(r.db.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM games WHERE voice_xid = $1`, voiceXID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ボイスチャンネルIDによるゲームの検索に失敗しました: %w", err)
	}
	return game, nil
}

// FindByMessageXID は投稿メッセージIDでゲームを検索する。見つからない場合はnilを返す。
func (r *PostgresGameRepo) FindByMessageXID(ctx context.Context, messageXID int64) (*model.Game, error) {
	game, err := scanGame(r.db.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM games WHERE message_xid = $1`, messageXID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メッセージIDによるゲームの検索に失敗しました: %w", err)
	}
	return game, nil
}

// lockFingerprint はフィンガープリント単位のアドバイザリロックを取得する。
// ロックはトランザクション終了時に自動解放される。同一フィンガープリントの
// 検索・作成・座席確保はこのロックで直列化され、競合する作成者は先行の
// 作成をコミット後に観測できる。異なるフィンガープリントはロックを
// 共有せず、互いに待たない。
func lockFingerprint(ctx context.Context, tx *sql.Tx, fp model.Fingerprint) error {
	key := fmt.Sprintf("games:%d:%d:%d:%d:%d:%d",
		fp.GuildXID, fp.ChannelXID, fp.Seats, fp.Format, fp.Bracket, fp.Service)
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, key,
	); err != nil {
		return fmt.Errorf("フィンガープリントロックの取得に失敗しました: %w", err)
	}
	return nil
}

// ClaimSeats はフィンガープリントに一致する空席ありのPendingゲームを1件選び、
// 指定ユーザー全員の座席を同一トランザクションで確保する。
//
// フィンガープリントのアドバイザリロックにより同一フィンガープリントの
// 確保は直列化され、先行トランザクションのINSERTがコミット済みであれば
// 候補検索と再検査で最新の参加者数が見える（READ COMMITTEDで
// ステートメントごとに新しいスナップショットが取られるため）。
// 戻り値の参加者数は挿入後にトランザクション内で数えた値。
func (r *PostgresGameRepo) ClaimSeats(ctx context.Context, fp model.Fingerprint, userXIDs []int64) (int64, int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := lockFingerprint(ctx, tx, fp); err != nil {
		return 0, 0, err
	}

	// 空席のある最も古いPendingゲームを選ぶ
	var gameID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM games
		 WHERE guild_xid = $1 AND channel_xid = $2
		   AND seats = $3 AND format = $4 AND bracket = $5 AND service = $6
		   AND status = $7 AND deleted_at IS NULL
		   AND (SELECT count(*) FROM queues WHERE game_id = games.id) + $8 <= seats
		 ORDER BY updated_at ASC
		 LIMIT 1
		 FOR UPDATE`,
		fp.GuildXID, fp.ChannelXID, fp.Seats, fp.Format, fp.Bracket, fp.Service,
		model.GameStatusPending, len(userXIDs),
	).Scan(&gameID)
	if err == sql.ErrNoRows {
		return 0, 0, ErrNoOpenGame
	}
	if err != nil {
		return 0, 0, fmt.Errorf("参加候補ゲームの検索に失敗しました: %w", err)
	}

	// ロック取得後の再検査。アドバイザリロックを経ない座席変更に対する防壁。
	var occupied int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM queues WHERE game_id = $1`, gameID,
	).Scan(&occupied); err != nil {
		return 0, 0, fmt.Errorf("参加者数の再検査に失敗しました: %w", err)
	}
	if occupied+len(userXIDs) > fp.Seats {
		return 0, 0, ErrSeatConflict
	}

	if err := claimInTx(ctx, tx, gameID, userXIDs); err != nil {
		return 0, 0, err
	}

	occupied, err = countInTx(ctx, tx, gameID)
	if err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("座席確保のコミットに失敗しました: %w", err)
	}

	return gameID, occupied, nil
}

// claimInTx はトランザクション内で座席行を挿入し、ゲームのupdated_atを更新する。
func claimInTx(ctx context.Context, tx *sql.Tx, gameID int64, userXIDs []int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO queues (user_xid, game_id)
		 SELECT unnest($1::bigint[]), $2
		 ON CONFLICT DO NOTHING`,
		pq.Array(userXIDs), gameID,
	)
	if err != nil {
		return fmt.Errorf("座席の確保に失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE games SET updated_at = now() WHERE id = $1`, gameID,
	)
	if err != nil {
		return fmt.Errorf("ゲームの更新時刻の記録に失敗しました: %w", err)
	}

	return nil
}

// countInTx はトランザクション内でゲームの参加者数を数える。
func countInTx(ctx context.Context, tx *sql.Tx, gameID int64) (int, error) {
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM queues WHERE game_id = $1`, gameID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("参加者数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// CreateWithClaim はフィンガープリントのロック下で空席ありのPendingゲームを
// 再検索し、見つかればそこに座席を確保し、見つからなければ新規ゲームの作成と
// 座席確保を同一トランザクションで行う。
//
// ErrNoOpenGameの観測から作成までの間に競合する呼び出しがゲームを作成して
// いる可能性があるため、ロック取得後の再検索が必須となる。再検索なしでは
// 空のフィンガープリントへのN並行joinがN個の兄弟ゲームを作ってしまう。
func (r *PostgresGameRepo) CreateWithClaim(ctx context.Context, fp model.Fingerprint, userXIDs []int64) (*model.Game, int, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := lockFingerprint(ctx, tx, fp); err != nil {
		return nil, 0, false, err
	}

	// ロック待ちの間にコミットされたゲームを再検索する
	created := false
	game, err := scanGame(tx.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM games
		 WHERE guild_xid = $1 AND channel_xid = $2
		   AND seats = $3 AND format = $4 AND bracket = $5 AND service = $6
		   AND status = $7 AND deleted_at IS NULL
		   AND (SELECT count(*) FROM queues WHERE game_id = games.id) + $8 <= seats
		 ORDER BY updated_at ASC
		 LIMIT 1`,
		fp.GuildXID, fp.ChannelXID, fp.Seats, fp.Format, fp.Bracket, fp.Service,
		model.GameStatusPending, len(userXIDs),
	))
	if err == sql.ErrNoRows {
		created = true
		game = &model.Game{
			GuildXID:   fp.GuildXID,
			ChannelXID: fp.ChannelXID,
			Seats:      fp.Seats,
			Format:     fp.Format,
			Bracket:    fp.Bracket,
			Service:    fp.Service,
			Status:     model.GameStatusPending,
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO games (guild_xid, channel_xid, seats, format, bracket, service, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id, created_at, updated_at`,
			fp.GuildXID, fp.ChannelXID, fp.Seats, fp.Format, fp.Bracket, fp.Service,
			model.GameStatusPending,
		).Scan(&game.ID, &game.CreatedAt, &game.UpdatedAt)
		if err != nil {
			return nil, 0, false, fmt.Errorf("ゲームの作成に失敗しました: %w", err)
		}
	} else if err != nil {
		return nil, 0, false, fmt.Errorf("参加候補ゲームの再検索に失敗しました: %w", err)
	}

	if len(userXIDs) > 0 {
		if err := claimInTx(ctx, tx, game.ID, userXIDs); err != nil {
			return nil, 0, false, err
		}
	}

	occupied, err := countInTx(ctx, tx, game.ID)
	if err != nil {
		return nil, 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, false, fmt.Errorf("ゲーム作成のコミットに失敗しました: %w", err)
	}

	return game, occupied, created, nil
}

// ParticipantCount はゲームの現在の参加者数を返す。
func (r *PostgresGameRepo) ParticipantCount(ctx context.Context, gameID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM queues WHERE game_id = $1`, gameID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("参加者数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// PlayerXIDs はゲームの参加者のユーザーIDを返す。
// Pendingゲームはqueuesから、Startedゲームはplaysから取得する。
func (r *PostgresGameRepo) PlayerXIDs(ctx context.Context, gameID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_xid FROM queues WHERE game_id = $1
		 UNION
		 SELECT user_xid FROM plays WHERE game_id = $1
		 ORDER BY user_xid`,
		gameID,
	)
	if err != nil {
		return nil, fmt.Errorf("参加者の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var xids []int64
	for rows.Next() {
		var xid int64
		if err := rows.Scan(&xid); err != nil {
			return nil, fmt.Errorf("参加者の読み取りに失敗しました: %w", err)
		}
		xids = append(xids, xid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("参加者の走査に失敗しました: %w", err)
	}

	return xids, nil
}

// IsQueued はユーザーが非終了ゲームの座席を保持しているかを返す。
func (r *PostgresGameRepo) IsQueued(ctx context.Context, userXID int64) (bool, error) {
	var queued bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM queues q
		   INNER JOIN games g ON q.game_id = g.id
		   WHERE q.user_xid = $1 AND g.deleted_at IS NULL
		 )`,
		userXID,
	).Scan(&queued)
	if err != nil {
		return false, fmt.Errorf("座席保持状態の確認に失敗しました: %w", err)
	}
	return queued, nil
}

// RemovePlayer はユーザーの座席を解放する。冪等で、非参加者の削除は何もしない。
// 座席行の削除とupdated_atの更新は同一トランザクションで行われ、
// 片方だけが残ることはない。
func (r *PostgresGameRepo) RemovePlayer(ctx context.Context, gameID, userXID int64) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM queues WHERE game_id = $1 AND user_xid = $2`,
		gameID, userXID,
	)
	if err != nil {
		return false, fmt.Errorf("座席の解放に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("座席解放件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return false, tx.Commit()
	}

	// 座席を解放したゲームのupdated_atを更新する
	_, err = tx.ExecContext(ctx,
		`UPDATE games SET updated_at = now() WHERE id = $1`, gameID,
	)
	if err != nil {
		return false, fmt.Errorf("ゲームの更新時刻の記録に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("座席解放のコミットに失敗しました: %w", err)
	}

	return true, nil
}

// MarkStarted はゲームをStartedに遷移し、リンク情報を記録し、プレイ記録を作成し、
// 参加者を他のPendingゲームを含むすべての座席から解放する。
// リンク生成に失敗した場合でも空のLinkRefsで呼び出せる（リンクなしで開始する）。
func (r *PostgresGameRepo) MarkStarted(ctx context.Context, gameID int64, links model.LinkRefs) ([]int64, []int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	// 現在の参加者を取得
	rows, err := tx.QueryContext(ctx,
		`SELECT user_xid FROM queues WHERE game_id = $1`, gameID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("参加者の取得に失敗しました: %w", err)
	}
	var playerXIDs []int64
	for rows.Next() {
		var xid int64
		if err := rows.Scan(&xid); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("参加者の読み取りに失敗しました: %w", err)
		}
		playerXIDs = append(playerXIDs, xid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("参加者の走査に失敗しました: %w", err)
	}

	// ゲームをStartedに遷移（Pendingからの遷移は一度だけ）
	result, err := tx.ExecContext(ctx,
		`UPDATE games
		 SET status = $2, link = $3, spectate_link = $4, password = $5,
		     started_at = now(), updated_at = now()
		 WHERE id = $1 AND status = $6 AND deleted_at IS NULL`,
		gameID, model.GameStatusStarted,
		nullString(links.Link), nullString(links.SpectateLink), nullString(links.Password),
		model.GameStatusPending,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("ゲームの開始遷移に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, nil, fmt.Errorf("開始遷移件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		// すでにStartedまたは削除済み。冪等に扱う。
		return playerXIDs, nil, tx.Commit()
	}

	if len(playerXIDs) > 0 {
		// プレイ記録を作成（追記専用）
		_, err = tx.ExecContext(ctx,
			`INSERT INTO plays (user_xid, game_id)
			 SELECT unnest($1::bigint[]), $2
			 ON CONFLICT DO NOTHING`,
			pq.Array(playerXIDs), gameID,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("プレイ記録の作成に失敗しました: %w", err)
		}

		// 参加者が座席を持つ他のゲームを記録してから、全座席を解放する
		otherRows, err := tx.QueryContext(ctx,
			`SELECT DISTINCT game_id FROM queues
			 WHERE user_xid = ANY($1) AND game_id <> $2`,
			pq.Array(playerXIDs), gameID,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("関連ゲームの取得に失敗しました: %w", err)
		}
		var otherGameIDs []int64
		for otherRows.Next() {
			var id int64
			if err := otherRows.Scan(&id); err != nil {
				otherRows.Close()
				return nil, nil, fmt.Errorf("関連ゲームの読み取りに失敗しました: %w", err)
			}
			otherGameIDs = append(otherGameIDs, id)
		}
		otherRows.Close()
		if err := otherRows.Err(); err != nil {
			return nil, nil, fmt.Errorf("関連ゲームの走査に失敗しました: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM queues WHERE user_xid = ANY($1)`,
			pq.Array(playerXIDs),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("座席の解放に失敗しました: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("開始遷移のコミットに失敗しました: %w", err)
		}
		return playerXIDs, otherGameIDs, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("開始遷移のコミットに失敗しました: %w", err)
	}
	return playerXIDs, nil, nil
}

// SetMessageXID はゲームの投稿メッセージIDを記録する。
func (r *PostgresGameRepo) SetMessageXID(ctx context.Context, gameID, messageXID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE games SET message_xid = $2, updated_at = now() WHERE id = $1`,
		gameID, messageXID,
	)
	if err != nil {
		return fmt.Errorf("メッセージIDの記録に失敗しました: %w", err)
	}
	return nil
}

// SetVoice はゲームのボイスチャンネル参照と招待リンクを記録する。
func (r *PostgresGameRepo) SetVoice(ctx context.Context, gameID, voiceXID int64, inviteLink string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE games SET voice_xid = $2, voice_invite_link = $3, updated_at = now() WHERE id = $1`,
		gameID, voiceXID, nullString(inviteLink),
	)
	if err != nil {
		return fmt.Errorf("ボイスチャンネル参照の記録に失敗しました: %w", err)
	}
	return nil
}

// ListInactive はupdated_atが閾値より古いPendingゲームを返す。
func (r *PostgresGameRepo) ListInactive(ctx context.Context, threshold time.Time) ([]*model.Game, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+gameColumns+` FROM games
		 WHERE status = $1 AND deleted_at IS NULL AND updated_at <= $2
		 ORDER BY updated_at ASC`,
		model.GameStatusPending, threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("失効対象ゲームの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var games []*model.Game
	for rows.Next() {
		game, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("失効対象ゲームの読み取りに失敗しました: %w", err)
		}
		games = append(games, game)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("失効対象ゲームの走査に失敗しました: %w", err)
	}

	return games, nil
}

// Expire はゲームを条件付きで失効させる。
// 条件付きUPDATEにより、スキャン後に座席確保でupdated_atが更新されたゲームは
// 失効対象から外れる（進行中のjoinとの競合を排除する）。
func (r *PostgresGameRepo) Expire(ctx context.Context, gameID int64, threshold time.Time) (ExpireResult, error) {
	var res ExpireResult

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	// 条件付きソフト削除。失効条件を満たさなければ0行更新となる。
	result, err := tx.ExecContext(ctx,
		`UPDATE games SET deleted_at = now()
		 WHERE id = $1 AND status = $2 AND deleted_at IS NULL AND updated_at <= $3`,
		gameID, model.GameStatusPending, threshold,
	)
	if err != nil {
		return res, fmt.Errorf("ゲームの失効に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return res, fmt.Errorf("失効件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return res, tx.Commit()
	}
	res.Expired = true

	// 参加者の座席を解放する
	rows, err := tx.QueryContext(ctx,
		`DELETE FROM queues WHERE game_id = $1 RETURNING user_xid`, gameID,
	)
	if err != nil {
		return res, fmt.Errorf("座席の解放に失敗しました: %w", err)
	}
	for rows.Next() {
		var xid int64
		if err := rows.Scan(&xid); err != nil {
			rows.Close()
			return res, fmt.Errorf("解放対象参加者の読み取りに失敗しました: %w", err)
		}
		res.Released = append(res.Released, xid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("解放対象参加者の走査に失敗しました: %w", err)
	}

	// 参加者ゼロの空ゲームはハード削除する
	if len(res.Released) == 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM games WHERE id = $1`, gameID,
		); err != nil {
			return res, fmt.Errorf("空ゲームの削除に失敗しました: %w", err)
		}
		res.HardDeleted = true
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("失効のコミットに失敗しました: %w", err)
	}

	return res, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ GameRepository = (*PostgresGameRepo)(nil)
