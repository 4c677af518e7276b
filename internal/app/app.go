package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/convoke/internal/config"
	"github.com/hitoshi/convoke/internal/database"
	"github.com/hitoshi/convoke/internal/handler"
	"github.com/hitoshi/convoke/internal/logger"
	"github.com/hitoshi/convoke/internal/matchmaking"
	"github.com/hitoshi/convoke/internal/metrics"
	"github.com/hitoshi/convoke/internal/middleware"
	"github.com/hitoshi/convoke/internal/model"
	"github.com/hitoshi/convoke/internal/provider"
	"github.com/hitoshi/convoke/internal/provision"
	"github.com/hitoshi/convoke/internal/repository"
	"github.com/hitoshi/convoke/internal/security"
	"github.com/hitoshi/convoke/internal/worker/expire"
	"github.com/hitoshi/convoke/internal/worker/voiceclean"
)

// maxProviderResponseSize はプロバイダAPIレスポンスの上限サイズ。
const maxProviderResponseSize = 1 << 20

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return RunWorker(cfg, WorkerDeps{})
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// NewMatchmaker はマッチメイキングサービスを全依存込みでワイヤリングする。
// チャット連携プロセスがこのモジュールを埋め込む際のエントリーポイント。
// 認証キーが設定されていないプロバイダはリンクなしで開始される。
func NewMatchmaker(cfg *config.Config, db *sql.DB, collector metrics.MetricsCollector, log *slog.Logger) *matchmaking.Service {
	gameRepo := repository.NewPostgresGameRepo(db)
	playRepo := repository.NewPostgresPlayRepo(db)
	channelRepo := repository.NewPostgresChannelRepo(db)
	userRepo := repository.NewPostgresUserRepo(db)

	// プロバイダURLは運用者設定のため、SSRF防止付きクライアントで送信する
	ssrfGuard := security.NewSSRFGuard()
	httpClient := ssrfGuard.NewSafeClient(cfg.ProviderTimeout, maxProviderResponseSize)

	spellTable := provider.NewSpellTableClient(cfg.SpellTableCreateURL, httpClient, log)
	tableStream := provider.NewTableStreamClient(cfg.TableStreamCreateURL, httpClient, cfg.RoomTTL, log)

	provisioners := map[model.GameService]matchmaking.Provisioner{
		model.ServiceSpellTable: provision.NewOrchestrator(
			spellTable,
			provider.NewAccountPool(accountsFromKeys("spelltable", cfg.SpellTableAuthKeys)),
			cfg.ProviderRetryAttempts, cfg.ProviderTimeout, collector, log,
		),
		model.ServiceTableStream: provision.NewOrchestrator(
			tableStream,
			provider.NewAccountPool(accountsFromKeys("tablestream", cfg.TableStreamAuthKeys)),
			cfg.ProviderRetryAttempts, cfg.ProviderTimeout, collector, log,
		),
	}

	return matchmaking.NewService(
		gameRepo, playRepo, channelRepo, userRepo,
		provisioners, cfg.ClaimRetryLimit, collector, log,
	)
}

// accountsFromKeys は認証キーのリストをアカウントプール用のAccountに変換する。
func accountsFromKeys(service string, keys []string) []provider.Account {
	accounts := make([]provider.Account, 0, len(keys))
	for i, key := range keys {
		accounts = append(accounts, provider.Account{
			ID:     service + "-" + strconv.Itoa(i+1),
			Secret: key,
		})
	}
	return accounts
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、記録閲覧・ヘルスチェック・メトリクスのHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリとセキュリティサービスの初期化
	playRepo := repository.NewPostgresPlayRepo(db)
	sanitizer := security.NewContentSanitizer()

	// 3. レート制限の構成（configのRateLimitGeneralはreq/min単位なのでreq/secに変換）
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	// 4. ルーターの構築
	deps := &handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),

		RecordService: playRepo,
		Sanitizer:     sanitizer,

		HealthPinger:    db,
		MetricsGatherer: prometheus.DefaultGatherer,
	}

	router := handler.NewRouter(deps)

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// WorkerDeps はワーカーモードの外部連携依存。
// 投稿の掃除とボイスチャンネル削除はチャットプラットフォームへの接続を
// 必要とするため、連携プロセスが実装を注入する。
type WorkerDeps struct {
	// Notifier は失効ゲームの投稿を掃除する。nilの場合はログのみ残す。
	Notifier expire.PostNotifier
	// VoiceGateway はボイスチャンネルを列挙・削除する。nilの場合は
	// ボイスチャンネル回収ジョブを起動しない。
	VoiceGateway voiceclean.VoiceGateway
}

// RunWorker はワーカーモードで起動する。
// DB接続を開き、ゲーム失効ジョブとボイスチャンネル回収ジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func RunWorker(cfg *config.Config, deps WorkerDeps) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリとメトリクスの初期化
	gameRepo := repository.NewPostgresGameRepo(db)
	channelRepo := repository.NewPostgresChannelRepo(db)
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	if deps.Notifier == nil {
		deps.Notifier = logOnlyNotifier{}
	}

	// 3. 失効ジョブの初期化
	expireJob := expire.NewJob(
		gameRepo, channelRepo, deps.Notifier, collector,
		slog.Default(), cfg.ExpireAfter, cfg.ExpireBatchPause,
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("expire_interval", cfg.ExpireInterval),
		slog.Duration("expire_after", cfg.ExpireAfter),
	)

	// 4. ボイスチャンネル回収ジョブをバックグラウンドで起動
	if deps.VoiceGateway != nil {
		voiceJob := voiceclean.NewJob(
			gameRepo, deps.VoiceGateway, collector,
			slog.Default(), cfg.VoiceGracePeriod, cfg.VoiceAgeLimit, cfg.VoiceCleanupBatch,
		)
		go voiceJob.Start(ctx, cfg.VoiceCleanInterval)
	} else {
		slog.Info("voice channel cleanup disabled: no gateway configured")
	}

	// 5. 失効ジョブをメインgoroutineで実行（ブロッキング）
	expireJob.Start(ctx, cfg.ExpireInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// logOnlyNotifier はチャット連携を持たない単体ワーカー用のPostNotifier。
// 投稿の掃除は連携プロセス側で行われる前提で、ここでは記録だけ残す。
type logOnlyNotifier struct{}

func (logOnlyNotifier) DeleteGamePost(ctx context.Context, game *model.Game) error {
	slog.Debug("game post deletion delegated to chat integration",
		slog.Int64("game_id", game.ID),
		slog.Int64("message_xid", game.MessageXID),
	)
	return nil
}

func (logOnlyNotifier) MarkGamePostExpired(ctx context.Context, game *model.Game) error {
	slog.Debug("game post expiry notice delegated to chat integration",
		slog.Int64("game_id", game.ID),
		slog.Int64("message_xid", game.MessageXID),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
