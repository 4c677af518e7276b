package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/convoke/internal/metrics"
	"github.com/hitoshi/convoke/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 記録閲覧
	RecordService RecordServiceInterface
	Sanitizer     NameSanitizer

	// 運用
	HealthPinger    Pinger
	MetricsGatherer prometheus.Gatherer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → RateLimit（記録閲覧のみ）
//
// /health と /metrics はレート制限の外に配置する（監視系からの高頻度アクセスを想定）。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- 運用ルート ---

	healthHandler := NewHealthHandler(deps.HealthPinger)
	r.Get("/health", healthHandler.Health)
	r.Method(http.MethodGet, "/metrics", metrics.SetupMetricsRoute(deps.MetricsGatherer))

	// --- 記録閲覧ルート ---

	recordHandler := NewRecordHandler(deps.RecordService, deps.Sanitizer, deps.Logger)

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.Middleware())

		r.Get("/g/{guildXID}/c/{channelXID}/records", recordHandler.ListRecords)
	})

	return r
}
