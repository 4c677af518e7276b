package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/convoke/internal/model"
)

// TableStreamClient はTableStream APIのクライアント。
// Bearerトークン方式の認証で、ルーム作成リクエストを送信する。
type TableStreamClient struct {
	createURL  string
	httpClient *http.Client
	roomTTL    time.Duration
	logger     *slog.Logger
}

// NewTableStreamClient はTableStreamClientを生成する。
// roomTTLは作成されたルームが参加可能な期間で、経過後は自動削除される。
func NewTableStreamClient(createURL string, httpClient *http.Client, roomTTL time.Duration, logger *slog.Logger) *TableStreamClient {
	return &TableStreamClient{
		createURL:  createURL,
		httpClient: httpClient,
		roomTTL:    roomTTL,
		logger:     logger,
	}
}

// Name はサービス名を返す。
func (c *TableStreamClient) Name() string {
	return "tablestream"
}

// Authenticate はAPIキーを検証してトークンとして返す。
func (c *TableStreamClient) Authenticate(ctx context.Context, account Account) (string, error) {
	if account.Secret == "" {
		return "", fmt.Errorf("APIキーが空です: %w", ErrAuthFailed)
	}
	return account.Secret, nil
}

// EnsureReferenceData はフォーマットからTableStreamのゲーム種別名への
// マッピングを返す。マッピングはサービス仕様で静的に定まる。
func (c *TableStreamClient) EnsureReferenceData(ctx context.Context, token string) (*RefData, error) {
	return &RefData{FormatNames: tableStreamGameTypes()}, nil
}

// tableStreamGameTypes はTableStreamのゲーム種別名マッピングを構築する。
// マッピングにないフォーマット（Commander系の派生すべて）はMTGCommander扱いとなる。
func tableStreamGameTypes() map[model.GameFormat]string {
	return map[model.GameFormat]string{
		model.FormatStandard:       "MTGStandard",
		model.FormatSealed:         "MTGStandard",
		model.FormatModern:         "MTGModern",
		model.FormatPioneer:        "MTGModern",
		model.FormatVintage:        "MTGVintage",
		model.FormatLegacy:         "MTGLegacy",
		model.FormatPauper:         "MTGLegacy",
		model.FormatDuelCommander:  "MTGLegacy",
		model.FormatBrawlTwoPlayer: "MTGLegacy",
	}
}

// gameTypeFor は参照データからゲーム種別名を取得する。未定義のフォーマットは
// MTGCommanderにフォールバックする。
func gameTypeFor(refs *RefData, format model.GameFormat) string {
	if refs != nil {
		if name, ok := refs.FormatNames[format]; ok {
			return name
		}
	}
	return "MTGCommander"
}

// tableStreamRequest はルーム作成リクエストのペイロード。
type tableStreamRequest struct {
	RoomName   string `json:"roomName"`
	GameType   string `json:"gameType"`
	MaxPlayers int    `json:"maxPlayers"`
	// Private がtrueの場合、パスワードが自動生成されてレスポンスに含まれる
	Private bool `json:"private"`
	// InitialScheduleTTLInSeconds はルームが参加可能な期間（秒）
	InitialScheduleTTLInSeconds int `json:"initialScheduleTTLInSeconds"`
}

// tableStreamResponse はルーム作成レスポンス。
type tableStreamResponse struct {
	Room struct {
		RoomURL  string `json:"roomUrl"`
		Password string `json:"password"`
	} `json:"room"`
}

// CreateSession はTableStreamにプライベートルームを作成し、参加リンクと
// 自動生成されたパスワードを返す。
func (c *TableStreamClient) CreateSession(ctx context.Context, token string, refs *RefData, req SessionRequest) (*SessionResult, error) {
	payload := tableStreamRequest{
		RoomName:                    fmt.Sprintf("SB%d", req.GameID),
		GameType:                    gameTypeFor(refs, req.Format),
		MaxPlayers:                  req.Seats,
		Private:                     true,
		InitialScheduleTTLInSeconds: int(c.roomTTL.Seconds()),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("リクエストの組み立てに失敗しました: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.createURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	httpReq.Header.Set("user-agent", userAgent)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer: %s", token))
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("TableStream APIの呼び出しに失敗しました: %w", ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("TableStream APIで認証が拒否されました (status=%d): %w", resp.StatusCode, ErrAuthFailed)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("TableStream APIがエラーを返しました (status=%d): %w", resp.StatusCode, ErrUnavailable)
	}

	rawData, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗しました: %w", ErrUnavailable)
	}

	var data tableStreamResponse
	if err := json.Unmarshal(rawData, &data); err != nil {
		return nil, fmt.Errorf("レスポンスの解析に失敗しました: %w", ErrUnavailable)
	}
	if data.Room.RoomURL == "" {
		c.logger.Warn("TableStream APIレスポンスにroomUrlがありません",
			slog.Int("status", resp.StatusCode),
			slog.Int64("game_id", req.GameID),
		)
		return nil, fmt.Errorf("roomUrlが空です: %w", ErrUnavailable)
	}

	return &SessionResult{
		Link:     data.Room.RoomURL,
		Password: data.Room.Password,
	}, nil
}

// compile-time interface check
var _ Client = (*TableStreamClient)(nil)
