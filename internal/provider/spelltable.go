package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/convoke/internal/model"
)

// userAgent は外部サービスへのリクエストに付与するUser-Agent。
const userAgent = "convoke/1.0"

// maxResponseBytes はレスポンスボディの読み取り上限。
const maxResponseBytes = 1 << 20

// SpellTableClient はSpellTable APIのクライアント。
// APIキー方式の認証で、キーをリクエストヘッダーに付与してセッションを作成する。
type SpellTableClient struct {
	createURL  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSpellTableClient はSpellTableClientを生成する。
// httpClientにはSSRF防止機能付きのクライアントを渡す。
func NewSpellTableClient(createURL string, httpClient *http.Client, logger *slog.Logger) *SpellTableClient {
	return &SpellTableClient{
		createURL:  createURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Name はサービス名を返す。
func (c *SpellTableClient) Name() string {
	return "spelltable"
}

// Authenticate はAPIキーを検証してトークンとして返す。
// SpellTableはキー方式のため、認証はリクエスト時のヘッダー付与で行われる。
func (c *SpellTableClient) Authenticate(ctx context.Context, account Account) (string, error) {
	if account.Secret == "" {
		return "", fmt.Errorf("APIキーが空です: %w", ErrAuthFailed)
	}
	return account.Secret, nil
}

// EnsureReferenceData はフォーマットからSpellTableのゲーム種別名への
// マッピングを返す。マッピングはサービス仕様で静的に定まる。
func (c *SpellTableClient) EnsureReferenceData(ctx context.Context, token string) (*RefData, error) {
	return &RefData{FormatNames: spellTableGameTypes()}, nil
}

// spellTableGameTypes はSpellTableのゲーム種別名マッピングを構築する。
// マッピングにないフォーマット（Commander系の派生すべて）はCommander扱いとなる。
func spellTableGameTypes() map[model.GameFormat]string {
	return map[model.GameFormat]string{
		model.FormatStandard:         "Standard",
		model.FormatSealed:           "Standard",
		model.FormatModern:           "Modern",
		model.FormatVintage:          "Vintage",
		model.FormatLegacy:           "Legacy",
		model.FormatDuelCommander:    "Legacy",
		model.FormatBrawlTwoPlayer:   "Brawl Two Player",
		model.FormatBrawlMultiplayer: "Brawl Multiplayer",
		model.FormatTwoHeadedGiant:   "Two Headed Giant",
		model.FormatPauper:           "Pauper",
		model.FormatPauperEDH:        "Pauper EDH",
		model.FormatPioneer:          "Pioneer",
		model.FormatOathbreaker:      "Oathbreaker",
	}
}

// CreateSession はSpellTableにゲームを作成し、参加リンクを返す。
// レスポンスのgameUrlに含まれる旧ドメインは公式ドメインに書き換える。
// 観戦リンクは参加リンクにspectateクエリを付与して導出する。
func (c *SpellTableClient) CreateSession(ctx context.Context, token string, refs *RefData, req SessionRequest) (*SessionResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.createURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	httpReq.Header.Set("user-agent", userAgent)
	httpReq.Header.Set("key", token)
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("SpellTable APIの呼び出しに失敗しました: %w", ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("SpellTable APIで認証が拒否されました (status=%d): %w", resp.StatusCode, ErrAuthFailed)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("SpellTable APIがエラーを返しました (status=%d): %w", resp.StatusCode, ErrUnavailable)
	}

	// mimetypeに依存せず、ボディを読み取って自前でデコードする
	rawData, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗しました: %w", ErrUnavailable)
	}

	var data struct {
		GameURL string `json:"gameUrl"`
	}
	if err := json.Unmarshal(rawData, &data); err != nil {
		return nil, fmt.Errorf("レスポンスの解析に失敗しました: %w", ErrUnavailable)
	}
	if data.GameURL == "" {
		c.logger.Warn("SpellTable APIレスポンスにgameUrlがありません",
			slog.Int("status", resp.StatusCode),
			slog.Int64("game_id", req.GameID),
		)
		return nil, fmt.Errorf("gameUrlが空です: %w", ErrUnavailable)
	}

	link := strings.Replace(data.GameURL, "www.spelltable.com", "spelltable.wizards.com", 1)
	return &SessionResult{
		Link:         link,
		SpectateLink: link + "?spectate=true",
	}, nil
}

// compile-time interface check
var _ Client = (*SpellTableClient)(nil)
