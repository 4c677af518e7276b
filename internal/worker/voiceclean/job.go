// Package voiceclean は使われなくなったボイスチャンネルの回収ジョブを提供する。
// ゲーム用に生成されたボイスチャンネルのうち、猶予期間を過ぎて無人のもの、
// または上限年齢を超えたものを1サイクルあたりの上限数まで削除する。
package voiceclean

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/convoke/internal/metrics"
	"github.com/hitoshi/convoke/internal/model"
)

// gameChannelName はゲーム用ボイスチャンネルの命名規則。
var gameChannelName = regexp.MustCompile(`\AGame-SB\d+\z`)

// VoiceChannel は外部プラットフォーム上のボイスチャンネルのスナップショット。
type VoiceChannel struct {
	XID       int64
	GuildXID  int64
	Name      string
	CreatedAt time.Time
	// Occupied は現在1人以上の参加者がいるかを表す。
	Occupied bool
}

// VoiceGateway はボイスチャンネル操作の外部連携インターフェース。
// チャット連携層が実装する。
type VoiceGateway interface {
	// ListGameVoiceChannels はゲーム用カテゴリ配下のボイスチャンネルを列挙する。
	ListGameVoiceChannels(ctx context.Context) ([]VoiceChannel, error)
	// CanDelete は削除権限があるかを返す。
	CanDelete(channel VoiceChannel) bool
	// Delete はチャンネルを削除する。
	Delete(ctx context.Context, channel VoiceChannel) error
}

// GameFinder はボイスチャンネルとゲームの紐付け確認のインターフェース。
type GameFinder interface {
	FindByVoiceXID(ctx context.Context, voiceXID int64) (*model.Game, error)
}

// Job は無人ボイスチャンネルの回収ジョブ。
type Job struct {
	gameRepo  GameFinder
	gateway   VoiceGateway
	collector metrics.MetricsCollector
	logger    *slog.Logger
	// GracePeriod は作成直後の削除を避ける猶予期間（デフォルト: 10分）。
	GracePeriod time.Duration
	// AgeLimit はこれを超えたチャンネルを在室者がいても削除する上限年齢（デフォルト: 5時間）。
	AgeLimit time.Duration
	// BatchSize は1サイクルあたりの削除上限（デフォルト: 30）。
	BatchSize int
	// limiter は削除呼び出しのレート制御。
	limiter *rate.Limiter
}

// NewJob はJobの新しいインスタンスを生成する。
func NewJob(
	gameRepo GameFinder,
	gateway VoiceGateway,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	gracePeriod time.Duration,
	ageLimit time.Duration,
	batchSize int,
) *Job {
	if gracePeriod <= 0 {
		gracePeriod = 10 * time.Minute
	}
	if ageLimit <= 0 {
		ageLimit = 5 * time.Hour
	}
	if batchSize <= 0 {
		batchSize = 30
	}
	return &Job{
		gameRepo:    gameRepo,
		gateway:     gateway,
		collector:   collector,
		logger:      logger,
		GracePeriod: gracePeriod,
		AgeLimit:    ageLimit,
		BatchSize:   batchSize,
		limiter:     rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Start は指定間隔のティッカーでジョブを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("ボイスチャンネル回収ジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("grace_period", j.GracePeriod),
		slog.Duration("age_limit", j.AgeLimit),
		slog.Int("batch_size", j.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("ボイスチャンネル回収ジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx, time.Now()); err != nil {
				j.logger.Error("ボイスチャンネル回収サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は1回の回収サイクルを実行する。
// 削除は作成の古い順に行い、上限数に達したら次のサイクルに持ち越す。
// 個々のチャンネルの失敗はログに残してスキップする。
func (j *Job) RunOnce(ctx context.Context, now time.Time) error {
	channels, err := j.gateway.ListGameVoiceChannels(ctx)
	if err != nil {
		return err
	}

	candidates := j.filter(ctx, channels, now)
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})

	deleted := 0
	for _, channel := range candidates {
		// 外部APIのレート制限を尊重し、上限に達したら次のサイクルへ
		if deleted >= j.BatchSize {
			j.logger.Info("削除上限に達しました",
				slog.Int("remaining", len(candidates)-deleted),
			)
			break
		}
		if err := j.limiter.Wait(ctx); err != nil {
			return err
		}

		if err := j.gateway.Delete(ctx, channel); err != nil {
			j.logger.Warn("ボイスチャンネルの削除に失敗しました",
				slog.Int64("voice_xid", channel.XID),
				slog.String("name", channel.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		j.collector.RecordVoiceDeleted(deleted)
		j.logger.Info("ボイスチャンネル回収サイクルが完了しました",
			slog.Int("deleted_count", deleted),
		)
	}

	return nil
}

// filter は削除対象のチャンネルを選別する。
// 猶予期間内・在室者あり（上限年齢未満）・権限なしはスキップし、
// 命名規則に一致するか、データベース上のゲームと紐付くチャンネルのみを対象とする。
func (j *Job) filter(ctx context.Context, channels []VoiceChannel, now time.Time) []VoiceChannel {
	graceTimeAgo := now.Add(-j.GracePeriod)
	ageLimitAgo := now.Add(-j.AgeLimit)

	var candidates []VoiceChannel
	for _, channel := range channels {
		if channel.CreatedAt.After(graceTimeAgo) {
			continue
		}

		// 上限年齢を超えたチャンネルは在室者がいても回収する
		if channel.Occupied && channel.CreatedAt.After(ageLimitAgo) {
			continue
		}

		if !j.gateway.CanDelete(channel) {
			j.logger.Info("削除権限がないためスキップします",
				slog.Int64("voice_xid", channel.XID),
			)
			continue
		}

		if gameChannelName.MatchString(channel.Name) {
			candidates = append(candidates, channel)
			continue
		}

		// 命名規則に一致しない場合はゲームとの紐付けを確認する
		game, err := j.gameRepo.FindByVoiceXID(ctx, channel.XID)
		if err != nil {
			j.logger.Warn("ゲームの検索に失敗しました",
				slog.Int64("voice_xid", channel.XID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if game != nil {
			candidates = append(candidates, channel)
		}
	}

	return candidates
}
