package handler

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/convoke/internal/middleware"
	"github.com/hitoshi/convoke/internal/model"
	"github.com/hitoshi/convoke/internal/repository"
)

// defaultRecordsPerPage は記録一覧の1回の取得件数（デフォルト）。
const defaultRecordsPerPage = 20

// maxRecordsPerPage は記録一覧の取得件数の上限。
const maxRecordsPerPage = 100

// RecordServiceInterface は記録ハンドラーが必要とするサービスインターフェース。
type RecordServiceInterface interface {
	// ListRecords はチャンネルの開始済みゲームの記録を新しい順に返す。
	ListRecords(ctx context.Context, guildXID, channelXID int64, limit int) ([]repository.GameRecord, error)
}

// NameSanitizer は表示名のサニタイズ機能のインターフェース。
type NameSanitizer interface {
	SanitizeName(raw string) string
}

// RecordHandler はプレイ記録閲覧のHTTPハンドラー。
type RecordHandler struct {
	service   RecordServiceInterface
	sanitizer NameSanitizer
	logger    *slog.Logger
}

// NewRecordHandler はRecordHandlerを生成する。
func NewRecordHandler(service RecordServiceInterface, sanitizer NameSanitizer, logger *slog.Logger) *RecordHandler {
	return &RecordHandler{
		service:   service,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// --- レスポンス型 ---

// recordEntryResponse は1参加者分の記録レスポンス。
type recordEntryResponse struct {
	UserXID  int64  `json:"user_xid"`
	UserName string `json:"user_name"`
	Points   *int   `json:"points,omitempty"`
}

// recordGameResponse は1ゲーム分の記録レスポンス。
type recordGameResponse struct {
	ID        int64                 `json:"id"`
	Format    string                `json:"format"`
	Bracket   string                `json:"bracket,omitempty"`
	Service   string                `json:"service"`
	Link      string                `json:"link,omitempty"`
	StartedAt time.Time             `json:"started_at"`
	Entries   []recordEntryResponse `json:"entries"`
}

// recordListResponse は記録一覧のレスポンス。
type recordListResponse struct {
	GuildXID   int64                `json:"guild_xid"`
	ChannelXID int64                `json:"channel_xid"`
	Games      []recordGameResponse `json:"games"`
}

// recordPageTemplate は記録一覧のHTML表示用テンプレート。
// 表示名はサニタイズ済みの値を渡すが、テンプレート側のエスケープも効く。
var recordPageTemplate = template.Must(template.New("records").Parse(`<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>プレイ記録</title></head>
<body>
<h1>プレイ記録</h1>
{{if not .Games}}<p>記録はまだありません。</p>{{end}}
{{range .Games}}
<section>
<h2>Game #{{.ID}} — {{.Format}}{{if .Bracket}} ({{.Bracket}}){{end}}</h2>
<p>{{.Service}} / {{.StartedAt.Format "2006-01-02 15:04"}}</p>
<table>
<tr><th>プレイヤー</th><th>ポイント</th></tr>
{{range .Entries}}<tr><td>{{.UserName}}</td><td>{{if .Points}}{{.Points}}{{else}}-{{end}}</td></tr>
{{end}}</table>
</section>
{{end}}
</body>
</html>
`))

// ListRecords はチャンネルのプレイ記録一覧を取得する。
// GET /g/{guildXID}/c/{channelXID}/records?limit=20
// Acceptヘッダーまたは?format=jsonでJSON、それ以外はHTMLを返す。
func (h *RecordHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	guildXID, err := strconv.ParseInt(chi.URLParam(r, "guildXID"), 10, 64)
	if err != nil {
		writeInvalidPathParam(w, "guildXID")
		return
	}

	channelXID, err := strconv.ParseInt(chi.URLParam(r, "channelXID"), 10, 64)
	if err != nil {
		writeInvalidPathParam(w, "channelXID")
		return
	}

	limit := defaultRecordsPerPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     "INVALID_LIMIT",
				Message:  "limitパラメータが不正です。",
				Category: "validation",
				Action:   "1以上の整数を指定してください。",
			})
			return
		}
		limit = parsed
	}
	if limit > maxRecordsPerPage {
		limit = maxRecordsPerPage
	}

	records, err := h.service.ListRecords(r.Context(), guildXID, channelXID, limit)
	if err != nil {
		h.logger.Error("failed to list records",
			slog.Int64("guild_xid", guildXID),
			slog.Int64("channel_xid", channelXID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	resp := recordListResponse{
		GuildXID:   guildXID,
		ChannelXID: channelXID,
		Games:      make([]recordGameResponse, 0, len(records)),
	}
	for _, rec := range records {
		resp.Games = append(resp.Games, h.toGameResponse(rec))
	}

	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := recordPageTemplate.Execute(w, resp); err != nil {
		h.logger.Error("failed to render record page", slog.String("error", err.Error()))
	}
}

// toGameResponse はGameRecordをレスポンス型に変換する。
// ユーザー名はチャットプラットフォーム側で自由に設定できるためサニタイズする。
func (h *RecordHandler) toGameResponse(rec repository.GameRecord) recordGameResponse {
	gr := recordGameResponse{
		ID:        rec.Game.ID,
		Format:    rec.Game.Format.String(),
		Service:   rec.Game.Service.String(),
		Link:      rec.Game.Link,
		StartedAt: rec.Game.StartedAt,
		Entries:   make([]recordEntryResponse, 0, len(rec.Entries)),
	}
	if rec.Game.Bracket != model.BracketNone {
		gr.Bracket = rec.Game.Bracket.String()
	}

	for _, e := range rec.Entries {
		entry := recordEntryResponse{
			UserXID:  e.UserXID,
			UserName: h.sanitizer.SanitizeName(e.UserName),
		}
		if e.HasPoints {
			points := e.Points
			entry.Points = &points
		}
		gr.Entries = append(gr.Entries, entry)
	}

	return gr
}

// wantsJSON はクライアントがJSONレスポンスを要求しているかを判定する。
func wantsJSON(r *http.Request) bool {
	if r.URL.Query().Get("format") == "json" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// writeInvalidPathParam はパスパラメータ不正の400レスポンスを書き込む。
func writeInvalidPathParam(w http.ResponseWriter, param string) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_PATH_PARAM",
		Message:  param + "が不正です。",
		Category: "validation",
		Action:   "数値のIDを指定してください。",
	})
}
