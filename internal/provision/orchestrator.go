// Package provision はリンク生成のオーケストレーションを提供する。
//
// サービスごとに1つのオーケストレーターが構築され、アカウントプール・
// アカウントロック・参照データキャッシュを専有する。リンク生成の失敗は
// 呼び出し元に伝播せず、空の結果として返される（リンクの欠如は回復可能な
// 正常系であり、ゲーム開始を妨げない）。
package provision

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/convoke/internal/metrics"
	"github.com/hitoshi/convoke/internal/model"
	"github.com/hitoshi/convoke/internal/provider"
)

// LinkResult はリンク生成の結果。全フィールドが空の場合は生成失敗を表す。
type LinkResult struct {
	Link         string
	SpectateLink string
	Password     string
}

// Empty はリンクが生成されなかったかを返す。
func (r LinkResult) Empty() bool {
	return r.Link == ""
}

// Refs はLinkResultをストア保存用のLinkRefsに変換する。
func (r LinkResult) Refs() model.LinkRefs {
	return model.LinkRefs{
		Link:         r.Link,
		SpectateLink: r.SpectateLink,
		Password:     r.Password,
	}
}

// Orchestrator は1つのホスティングサービスに対するリンク生成を駆動する。
// アカウント選択・排他・認証・参照データキャッシュ・再試行をまとめて扱う。
type Orchestrator struct {
	client        provider.Client
	pool          *provider.AccountPool
	locks         *provider.LockMap
	cache         *provider.RefCache
	retryAttempts int
	timeout       time.Duration
	collector     metrics.MetricsCollector
	logger        *slog.Logger
}

// NewOrchestrator はOrchestratorを生成する。
// retryAttemptsは1回のProvisionLinkにおける最大試行回数。
// timeoutは外部呼び出し1試行あたりの上限時間。
func NewOrchestrator(
	client provider.Client,
	pool *provider.AccountPool,
	retryAttempts int,
	timeout time.Duration,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		client:        client,
		pool:          pool,
		locks:         provider.NewLockMap(),
		cache:         provider.NewRefCache(),
		retryAttempts: retryAttempts,
		timeout:       timeout,
		collector:     collector,
		logger:        logger,
	}
}

// ProvisionLink はゲームの参加リンクを生成する。
//
// 試行ごとにラウンドロビンでアカウントを選び、そのアカウントのロックを
// 取得してから認証・セッション作成を行う。最初の成功時に参照データを
// キャッシュし、以降の試行とゲームで再利用する。全試行が失敗した場合は
// 空の結果を返し、エラーは呼び出し元に伝播しない。
func (o *Orchestrator) ProvisionLink(ctx context.Context, game *model.Game) LinkResult {
	if o.pool.Size() == 0 {
		o.logger.Warn("アカウントが設定されていないためリンク生成をスキップします",
			slog.String("service", o.client.Name()),
			slog.Int64("game_id", game.ID),
		)
		return LinkResult{}
	}

	var lastErr error
	for attempt := 1; attempt <= o.retryAttempts; attempt++ {
		result, err := o.attempt(ctx, game)
		if err == nil {
			return result
		}
		lastErr = err

		reason := "unavailable"
		if errors.Is(err, provider.ErrAuthFailed) {
			reason = "auth"
		}
		o.collector.RecordProvisionFailure(o.client.Name(), reason)
		o.logger.Warn("リンク生成の試行に失敗しました",
			slog.String("service", o.client.Name()),
			slog.Int64("game_id", game.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", o.retryAttempts),
			slog.String("error", err.Error()),
		)
	}

	// 最終試行のエラーはログに残すのみで伝播しない
	o.logger.Error("リンク生成の全試行が失敗しました",
		slog.String("service", o.client.Name()),
		slog.Int64("game_id", game.ID),
		slog.Int("attempts", o.retryAttempts),
		slog.String("error", lastErr.Error()),
	)
	return LinkResult{}
}

// attempt は1回分のリンク生成を実行する。
// アカウントのロックは試行の間保持され、同一アカウントの外部呼び出しを直列化する。
func (o *Orchestrator) attempt(ctx context.Context, game *model.Game) (LinkResult, error) {
	account := o.pool.Pick()
	lock := o.locks.Acquire(account.ID)
	defer lock.Unlock()

	o.collector.RecordProvisionAttempt(o.client.Name())
	start := time.Now()
	defer func() {
		o.collector.RecordProvisionLatency(o.client.Name(), time.Since(start))
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	token, err := o.client.Authenticate(attemptCtx, account)
	if err != nil {
		return LinkResult{}, err
	}

	// 参照データは最初の認証成功時に1回だけ取得する
	refs, ok := o.cache.Get()
	if !ok {
		refs, err = o.client.EnsureReferenceData(attemptCtx, token)
		if err != nil {
			return LinkResult{}, err
		}
		o.cache.Set(refs)
	}

	result, err := o.client.CreateSession(attemptCtx, token, refs, provider.SessionRequest{
		GameID: game.ID,
		Format: game.Format,
		Seats:  game.Seats,
	})
	if err != nil {
		return LinkResult{}, err
	}

	return LinkResult{
		Link:         result.Link,
		SpectateLink: result.SpectateLink,
		Password:     result.Password,
	}, nil
}
