// Package expire は放置されたPendingゲームの失効ジョブを提供する。
// updated_atが閾値（デフォルト45分）より古いPendingゲームを定期的に回収し、
// 参加者ゼロならハード削除、参加者がいればソフト失効して座席を解放する。
package expire

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/convoke/internal/metrics"
	"github.com/hitoshi/convoke/internal/model"
	"github.com/hitoshi/convoke/internal/repository"
)

// PostNotifier はゲーム投稿の更新・削除を行う外部連携インターフェース。
// チャット連携層が実装する。
type PostNotifier interface {
	// DeleteGamePost はゲームの投稿を削除する。
	DeleteGamePost(ctx context.Context, game *model.Game) error
	// MarkGamePostExpired はゲームの投稿を失効表示に置き換える。
	MarkGamePostExpired(ctx context.Context, game *model.Game) error
}

// GameExpirer は失効処理に必要なストア操作のインターフェース。
type GameExpirer interface {
	ListInactive(ctx context.Context, threshold time.Time) ([]*model.Game, error)
	Expire(ctx context.Context, gameID int64, threshold time.Time) (repository.ExpireResult, error)
}

// ChannelFinder はチャンネル設定取得のインターフェース。
type ChannelFinder interface {
	FindChannel(ctx context.Context, xid int64) (*model.Channel, error)
}

// Job は放置ゲームの失効ジョブ。
// 失効は条件付き更新としてストアに委ねられるため、スキャン後に座席確保で
// 更新されたゲームをこのジョブが失効させることはない。
type Job struct {
	gameRepo    GameExpirer
	channelRepo ChannelFinder
	notifier    PostNotifier
	collector   metrics.MetricsCollector
	logger      *slog.Logger
	// ExpireAfter は失効までの非アクティブ期間（デフォルト: 45分）。
	ExpireAfter time.Duration
	// limiter は外部API（投稿の削除・更新）のレート制御。
	limiter *rate.Limiter
}

// NewJob はJobの新しいインスタンスを生成する。
// pauseは1ゲームの処理ごとの最低間隔で、外部APIのレート制限を尊重する。
func NewJob(
	gameRepo GameExpirer,
	channelRepo ChannelFinder,
	notifier PostNotifier,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	expireAfter time.Duration,
	pause time.Duration,
) *Job {
	if expireAfter <= 0 {
		expireAfter = 45 * time.Minute
	}
	if pause <= 0 {
		pause = time.Second
	}
	return &Job{
		gameRepo:    gameRepo,
		channelRepo: channelRepo,
		notifier:    notifier,
		collector:   collector,
		logger:      logger,
		ExpireAfter: expireAfter,
		limiter:     rate.NewLimiter(rate.Every(pause), 1),
	}
}

// Start は指定間隔のティッカーでジョブを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("ゲーム失効ジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("expire_after", j.ExpireAfter),
	)

	// 起動直後に1回実行
	if err := j.RunOnce(ctx, time.Now()); err != nil {
		j.logger.Error("ゲーム失効サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("ゲーム失効ジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx, time.Now()); err != nil {
				j.logger.Error("ゲーム失効サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は1回の失効サイクルを実行する。
// 個々のゲームの失敗はログに残してスキップし、サイクル全体は中断しない。
func (j *Job) RunOnce(ctx context.Context, now time.Time) error {
	start := time.Now()
	threshold := now.Add(-j.ExpireAfter)

	games, err := j.gameRepo.ListInactive(ctx, threshold)
	if err != nil {
		return err
	}
	if len(games) == 0 {
		return nil
	}

	j.logger.Info("ゲーム失効サイクルを開始します",
		slog.Int("candidate_count", len(games)),
	)

	expired := 0
	for _, game := range games {
		if err := j.limiter.Wait(ctx); err != nil {
			return err
		}

		res, err := j.gameRepo.Expire(ctx, game.ID, threshold)
		if err != nil {
			// 単一ゲームの失敗はサイクルを中断しない
			j.logger.Warn("ゲームの失効に失敗しました",
				slog.Int64("game_id", game.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !res.Expired {
			// スキャン後に座席確保で更新されたゲーム。次のサイクルで再評価する。
			continue
		}

		expired++
		j.collector.RecordGameExpired(res.HardDeleted)
		j.notifyPost(ctx, game, res)
	}

	j.logger.Info("ゲーム失効サイクルが完了しました",
		slog.Int("expired_count", expired),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// notifyPost はゲームの投稿を失効状態に合わせて更新する。
// 座席解放がなかったゲーム、またはチャンネル設定で削除が指定されている場合は
// 投稿を削除し、それ以外は失効表示に置き換える。
func (j *Job) notifyPost(ctx context.Context, game *model.Game, res repository.ExpireResult) {
	if game.MessageXID == 0 {
		return
	}

	deletePost := len(res.Released) == 0
	if !deletePost {
		channel, err := j.channelRepo.FindChannel(ctx, game.ChannelXID)
		if err != nil {
			j.logger.Warn("チャンネル設定の取得に失敗しました",
				slog.Int64("channel_xid", game.ChannelXID),
				slog.String("error", err.Error()),
			)
		} else if channel != nil && channel.DeleteExpired {
			deletePost = true
		}
	}

	var err error
	if deletePost {
		err = j.notifier.DeleteGamePost(ctx, game)
	} else {
		err = j.notifier.MarkGamePostExpired(ctx, game)
	}
	if err != nil {
		j.logger.Warn("失効ゲームの投稿更新に失敗しました",
			slog.Int64("game_id", game.ID),
			slog.Bool("delete_post", deletePost),
			slog.String("error", err.Error()),
		)
	}
}
