package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 呼び出し側（チャット連携層）に表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, matchmaking, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeTooManyPlayers  = "TOO_MANY_PLAYERS"
	ErrCodeInvalidSeats    = "INVALID_SEAT_COUNT"
	ErrCodeInvalidFormat   = "INVALID_FORMAT"
	ErrCodeAlreadyQueued   = "ALREADY_QUEUED"
	ErrCodeGameNotFound    = "GAME_NOT_FOUND"
	ErrCodeNotParticipant  = "NOT_PARTICIPANT"
	ErrCodeChannelNotFound = "CHANNEL_NOT_FOUND"
)

// NewTooManyPlayersError は同伴プレイヤー数が定員を超えている場合のエラーを生成する。
func NewTooManyPlayersError(requested, seats int) *APIError {
	return &APIError{
		Code:     ErrCodeTooManyPlayers,
		Message:  fmt.Sprintf("指定されたプレイヤー数が定員を超えています: %d人（定員%d席）", requested, seats),
		Category: "validation",
		Action:   "同伴プレイヤーの人数を減らすか、より大きい定員のフォーマットを選択してください。",
	}
}

// NewInvalidSeatsError は座席数が許容範囲外の場合のエラーを生成する。
func NewInvalidSeatsError(seats int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSeats,
		Message:  fmt.Sprintf("無効な座席数です: %d", seats),
		Category: "validation",
		Action:   "座席数は2〜4の範囲で指定してください。",
	}
}

// NewInvalidFormatError は未知のフォーマットが指定された場合のエラーを生成する。
func NewInvalidFormatError(format int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFormat,
		Message:  fmt.Sprintf("無効なフォーマットです: %d", format),
		Category: "validation",
		Action:   "サポートされているフォーマットを指定してください。",
	}
}

// NewAlreadyQueuedError はリクエスト元がすでに別のゲームに参加している場合のエラーを生成する。
func NewAlreadyQueuedError(userXID int64) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyQueued,
		Message:  fmt.Sprintf("すでに別のゲームに参加しています: user=%d", userXID),
		Category: "matchmaking",
		Action:   "現在のゲームから退出してから、再度参加してください。",
	}
}

// NewGameNotFoundError はゲームが見つからない場合のエラーを生成する。
func NewGameNotFoundError(gameID int64) *APIError {
	return &APIError{
		Code:     ErrCodeGameNotFound,
		Message:  fmt.Sprintf("指定されたゲームが見つかりません: %d", gameID),
		Category: "matchmaking",
		Action:   "ゲームIDを確認してください。",
	}
}

// NewNotParticipantError はゲームの参加者でないユーザーによる操作のエラーを生成する。
func NewNotParticipantError(gameID, userXID int64) *APIError {
	return &APIError{
		Code:     ErrCodeNotParticipant,
		Message:  fmt.Sprintf("このゲームの参加者ではありません: game=%d user=%d", gameID, userXID),
		Category: "matchmaking",
		Action:   "自分が参加したゲームに対してのみ操作できます。",
	}
}

// NewChannelNotFoundError はチャンネル設定が見つからない場合のエラーを生成する。
func NewChannelNotFoundError(channelXID int64) *APIError {
	return &APIError{
		Code:     ErrCodeChannelNotFound,
		Message:  fmt.Sprintf("チャンネル設定が見つかりません: %d", channelXID),
		Category: "system",
		Action:   "チャンネルがセットアップ済みか確認してください。",
	}
}
