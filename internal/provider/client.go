// Package provider は外部ホスティングサービスのクライアントを提供する。
//
// 各サービス（SpellTable、TableStream）は共通のClientインターフェースを実装し、
// 認証・参照データ取得・セッション作成の3操作をHTTPS経由で行う。
// オーケストレーターはこのインターフェースに対して汎用に動作する。
package provider

import (
	"context"
	"errors"

	"github.com/hitoshi/convoke/internal/model"
)

// ErrAuthFailed は認証失敗を表す。オーケストレーターは別のアカウントで再試行する。
var ErrAuthFailed = errors.New("provider authentication failed")

// ErrUnavailable はサービス側の一時的な障害を表す。再試行可能なエラーとして扱う。
var ErrUnavailable = errors.New("provider unavailable")

// Account はサービスの共有アカウント（認証情報）を表す。
type Account struct {
	// ID はプールおよびロックマップ内での識別子。
	ID string
	// Secret はAPIキーまたはパスワード。
	Secret string
}

// RefData はサービスごとの読み取り専用参照データ。
// 初回の認証成功時に1回だけ取得され、プロセス再起動まで再利用される。
type RefData struct {
	// FormatNames はゲームフォーマットからサービス側のゲーム種別名へのマッピング。
	FormatNames map[model.GameFormat]string
}

// SessionRequest はセッション作成リクエストのパラメータ。
type SessionRequest struct {
	GameID int64
	Format model.GameFormat
	Seats  int
}

// SessionResult はセッション作成の成功結果。
type SessionResult struct {
	Link         string
	SpectateLink string
	Password     string
}

// Client は外部ホスティングサービスの共通インターフェース。
// 全操作はリクエスト／レスポンス型で、呼び出しごとにタイムアウトが適用される。
// タイムアウトは通常の再試行可能な失敗として扱われ、専用のエラー種別を持たない。
type Client interface {
	// Name はサービス名を返す（ログ・メトリクス用）。
	Name() string

	// Authenticate はアカウントで認証し、以降の呼び出しに使用するトークンを返す。
	// 認証失敗はErrAuthFailedでラップされる。
	Authenticate(ctx context.Context, account Account) (string, error)

	// EnsureReferenceData は参照データ（フォーマットマッピング等）を取得する。
	// 結果は呼び出し元でキャッシュされ、以降のセッション作成で再利用される。
	EnsureReferenceData(ctx context.Context, token string) (*RefData, error)

	// CreateSession はホスト先にセッションを作成し、参加リンクを返す。
	CreateSession(ctx context.Context, token string, refs *RefData, req SessionRequest) (*SessionResult, error)
}
