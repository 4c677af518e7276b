// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/convoke/internal/model"
)

// ErrSeatConflict は座席確保の競合（確保中に他の呼び出しが先に席を埋めた）を表す。
// 呼び出し元はfind-or-createを再実行することで回復する。外部には公開しない。
var ErrSeatConflict = errors.New("seat claim conflict")

// ErrNoOpenGame はフィンガープリントに一致する空席ありのPendingゲームが
// 存在しないことを表す。呼び出し元は新規ゲームを作成する。
var ErrNoOpenGame = errors.New("no open game for fingerprint")

// GameRepository はゲームと座席データの永続化インターフェース。
// 座席確保・状態遷移はすべて単一トランザクション内の条件付き更新として実装され、
// 並行呼び出し間の整合性はアプリケーションロックではなくDB層で保証される。
type GameRepository interface {
	// FindByID は指定IDのゲームを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Game, error)

	// FindByVoiceXID はボイスチャンネルIDでゲームを検索する。見つからない場合はnilを返す。
	FindByVoiceXID(ctx context.Context, voiceXID int64) (*model.Game, error)

	// FindByMessageXID は投稿メッセージIDでゲームを検索する。見つからない場合はnilを返す。
	FindByMessageXID(ctx context.Context, messageXID int64) (*model.Game, error)

	// ClaimSeats はフィンガープリントに一致する空席ありのPendingゲームを1件選び、
	// 指定ユーザー全員の座席を同一トランザクションで確保する。
	// occupiedは挿入後にトランザクション内で数えた参加者数で、
	// この確保が最後の座席を埋めたかの判定に使用する。
	// 一致するゲームがない場合はErrNoOpenGame、
	// ロック取得後の再検査で定員を超える場合はErrSeatConflictを返す。
	ClaimSeats(ctx context.Context, fp model.Fingerprint, userXIDs []int64) (gameID int64, occupied int, err error)

	// CreateWithClaim はフィンガープリントのロック下で空席ありのPendingゲームを
	// 再検索し、見つかればそこに座席を確保し（created=false）、見つからなければ
	// 新規ゲームの作成と座席確保を同一トランザクションで行う（created=true）。
	// ErrNoOpenGame観測後に競合する作成者と兄弟ゲームを作らないための再検索。
	CreateWithClaim(ctx context.Context, fp model.Fingerprint, userXIDs []int64) (game *model.Game, occupied int, created bool, err error)

	// ParticipantCount はゲームの現在の参加者数を返す。
	ParticipantCount(ctx context.Context, gameID int64) (int, error)

	// PlayerXIDs はゲームの参加者のユーザーIDを返す。
	// PendingゲームはqueuesからStartedゲームはplaysから取得する。
	PlayerXIDs(ctx context.Context, gameID int64) ([]int64, error)

	// IsQueued はユーザーが非終了ゲームの座席を保持しているかを返す。
	IsQueued(ctx context.Context, userXID int64) (bool, error)

	// RemovePlayer はユーザーの座席を解放する。冪等で、非参加者の削除は何もしない。
	// 座席を解放した場合はゲームのupdated_atを更新し、trueを返す。
	RemovePlayer(ctx context.Context, gameID, userXID int64) (bool, error)

	// MarkStarted はゲームをStartedに遷移し、リンク情報を記録し、
	// プレイ記録を作成し、参加者を他のPendingゲームの座席から解放する。
	// すべて同一トランザクションで行う。
	// 戻り値は参加者のユーザーIDと、座席解放の影響を受けた他のゲームのID。
	MarkStarted(ctx context.Context, gameID int64, links model.LinkRefs) ([]int64, []int64, error)

	// SetMessageXID はゲームの投稿メッセージIDを記録する。
	SetMessageXID(ctx context.Context, gameID, messageXID int64) error

	// SetVoice はゲームのボイスチャンネル参照と招待リンクを記録する。
	SetVoice(ctx context.Context, gameID, voiceXID int64, inviteLink string) error

	// ListInactive はupdated_atが閾値より古いPendingゲームを返す。
	ListInactive(ctx context.Context, threshold time.Time) ([]*model.Game, error)

	// Expire はゲームを条件付きで失効させる。
	// 「Pendingのまま、かつupdated_atが閾値より古い」場合にのみ実行され、
	// 閾値以降に座席確保で更新されたゲームは失効しない（falseを返す）。
	// 参加者ゼロならハード削除、参加者がいればソフト削除して座席を解放する。
	Expire(ctx context.Context, gameID int64, threshold time.Time) (ExpireResult, error)
}

// ExpireResult はExpireの実行結果を表す。
type ExpireResult struct {
	Expired     bool    // 条件を満たして失効したか
	HardDeleted bool    // 参加者ゼロでハード削除されたか
	Released    []int64 // 座席を解放された参加者のユーザーID
}

// PlayRepository はプレイ記録（追記専用）の永続化インターフェース。
type PlayRepository interface {
	// Exists はユーザーのプレイ記録が存在するかを返す。
	Exists(ctx context.Context, gameID, userXID int64) (bool, error)

	// Ensure は指定ユーザー全員のプレイ記録を作成する。既存の記録は変更しない。
	Ensure(ctx context.Context, gameID int64, userXIDs []int64) error

	// UpsertPoints はユーザーのポイントを記録する。既存の記録があれば上書きする。
	UpsertPoints(ctx context.Context, gameID, userXID int64, points int) error

	// ListRecords はチャンネルの開始済みゲームの記録を新しい順に返す。
	ListRecords(ctx context.Context, guildXID, channelXID int64, limit int) ([]GameRecord, error)
}

// GameRecord はプレイ記録の表示用スナップショット。
type GameRecord struct {
	Game    model.Game
	Entries []RecordEntry
}

// RecordEntry は1参加者分の記録。
type RecordEntry struct {
	UserXID   int64
	UserName  string
	Points    int
	HasPoints bool
}

// ChannelRepository はコミュニティ・チャンネル設定の永続化インターフェース。
type ChannelRepository interface {
	// FindChannel は指定IDのチャンネル設定を取得する。見つからない場合はnilを返す。
	FindChannel(ctx context.Context, xid int64) (*model.Channel, error)

	// FindGuild は指定IDのコミュニティ設定を取得する。見つからない場合はnilを返す。
	FindGuild(ctx context.Context, xid int64) (*model.Guild, error)

	// UpsertGuild はコミュニティ設定を作成または更新する。
	UpsertGuild(ctx context.Context, guild *model.Guild) error

	// UpsertChannel はチャンネル設定を作成または更新する。
	UpsertChannel(ctx context.Context, channel *model.Channel) error
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// Upsert はユーザーを作成または更新する。
	Upsert(ctx context.Context, user *model.User) error

	// FindByXID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByXID(ctx context.Context, xid int64) (*model.User, error)

	// FindByXIDs は指定IDのユーザーを一括取得する。
	FindByXIDs(ctx context.Context, xids []int64) ([]*model.User, error)
}
