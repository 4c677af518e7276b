package model

import "time"

// User はゲーム参加者（Discordユーザー）を表す。
type User struct {
	XID       int64
	Name      string
	Banned    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Queue はPending/Startedゲームへの参加（座席の確保）を表す。
// 1ユーザーは同時に1つの非終了ゲームにのみ所属できる。
type Queue struct {
	UserXID int64
	GameID  int64
}

// Play は開始済みゲームの恒久的なプレイ記録を表す。
// 追記専用で、ポイント以外は上書きされない。
type Play struct {
	UserXID   int64
	GameID    int64
	Points    int
	HasPoints bool
}

// Guild はコミュニティ（Discordサーバー）の設定を表す。
type Guild struct {
	XID                 int64
	Name                string
	VoiceCreate         bool
	VoiceCategoryPrefix string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Channel はチャンネルごとのマッチメイキング既定値を保持する。
// リクエストで省略されたパラメータのフォールバック値として使用される。
type Channel struct {
	XID                 int64
	GuildXID            int64
	Name                string
	DefaultSeats        int
	DefaultFormat       GameFormat
	DefaultBracket      GameBracket
	DefaultService      GameService
	RequireVerification bool
	DeleteExpired       bool
	Extra               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
