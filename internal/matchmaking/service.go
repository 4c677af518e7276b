// Package matchmaking は座席割り当てのドメインロジックを提供する。
//
// joinリクエストはフィンガープリント（コミュニティ・チャンネル・席数・
// フォーマット・ブラケット・サービス）が完全一致するPendingゲームにのみ
// 合流できる。座席の確保はストアの原子操作に委ね、競合時はfind-or-createを
// 再実行する。満席になったゲームは同一の論理操作内でリンク生成を行い
// 開始状態に遷移する。
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/convoke/internal/metrics"
	"github.com/hitoshi/convoke/internal/model"
	"github.com/hitoshi/convoke/internal/provision"
	"github.com/hitoshi/convoke/internal/repository"
)

// Provisioner は満席ゲームのリンク生成インターフェース。
// サービスごとに1つの実装が登録される。
type Provisioner interface {
	ProvisionLink(ctx context.Context, game *model.Game) provision.LinkResult
}

// JoinRequest はjoinOrCreateの入力パラメータ。
// Seats・Format・Bracket・Serviceのゼロ値はチャンネル既定値で補完される。
// ExtraPlayerXIDsはブロックペアの除外を済ませた状態で渡される前提。
type JoinRequest struct {
	GuildXID        int64
	ChannelXID      int64
	RequesterXID    int64
	ExtraPlayerXIDs []int64
	Seats           int
	Format          model.GameFormat
	Bracket         model.GameBracket
	Service         model.GameService
	// PlayerNames は表示名の更新に使用される（省略可）。
	PlayerNames map[int64]string
}

// JoinResult はjoinOrCreateの結果。
type JoinResult struct {
	Snapshot model.GameSnapshot
	// IsNew は新規ゲームが作成されたかを表す。
	IsNew bool
	// Started はこの呼び出しでゲームが満席になり開始されたかを表す。
	Started bool
	// AffectedGameIDs は開始遷移の座席解放で参加者数が変化した
	// 他のPendingゲームのID。呼び出し元は投稿の再描画に使用する。
	AffectedGameIDs []int64
}

// Service は座席割り当てのサービス層。
type Service struct {
	gameRepo        repository.GameRepository
	playRepo        repository.PlayRepository
	channelRepo     repository.ChannelRepository
	userRepo        repository.UserRepository
	provisioners    map[model.GameService]Provisioner
	claimRetryLimit int
	collector       metrics.MetricsCollector
	logger          *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// claimRetryLimitは座席競合時のfind-or-create再試行回数の上限。
func NewService(
	gameRepo repository.GameRepository,
	playRepo repository.PlayRepository,
	channelRepo repository.ChannelRepository,
	userRepo repository.UserRepository,
	provisioners map[model.GameService]Provisioner,
	claimRetryLimit int,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	return &Service{
		gameRepo:        gameRepo,
		playRepo:        playRepo,
		channelRepo:     channelRepo,
		userRepo:        userRepo,
		provisioners:    provisioners,
		claimRetryLimit: claimRetryLimit,
		collector:       collector,
		logger:          logger,
	}
}

// JoinOrCreate はフィンガープリントに一致するPendingゲームに座席を確保するか、
// 見つからなければ新規ゲームを作成して座席を確保する。
//
// 座席の確保はストアの原子操作として行われ、容量の再検査と参加行の挿入が
// 分離して他の呼び出しから観測されることはない。競合（ErrSeatConflict）は
// find-or-createの再実行で吸収され、外部には公開されない。
// この呼び出しで満席になった場合はリンク生成とStarted遷移を同期的に行う。
// リンク生成の失敗は座席確保をロールバックせず、リンクなしで開始する。
func (s *Service) JoinOrCreate(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	players := dedupePlayers(req.RequesterXID, req.ExtraPlayerXIDs)

	fp, err := s.resolveFingerprint(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(players) > fp.Seats {
		return nil, model.NewTooManyPlayersError(len(players), fp.Seats)
	}

	// 参加者のいずれかがすでに非終了ゲームの座席を保持していれば拒否する
	for _, xid := range players {
		queued, err := s.gameRepo.IsQueued(ctx, xid)
		if err != nil {
			return nil, fmt.Errorf("座席保持状態の確認に失敗しました: %w", err)
		}
		if queued {
			return nil, model.NewAlreadyQueuedError(xid)
		}
	}

	s.upsertNames(ctx, players, req.PlayerNames)

	game, occupied, isNew, err := s.findOrCreate(ctx, fp, players)
	if err != nil {
		return nil, err
	}
	if isNew {
		s.collector.RecordGameCreated()
	}

	result := &JoinResult{IsNew: isNew}

	// 満席判定には確保と同一トランザクション内で数えた参加者数を使う。
	// 最後の座席を埋めた呼び出しだけがここを通るため、並行する確保が
	// 同じゲームのリンク生成を重複して起動することはない。
	if occupied == game.Seats {
		started, err := s.startGame(ctx, game, result)
		if err != nil {
			return nil, err
		}
		result.Started = started
	}

	// 最新状態のスナップショットを構築する
	latest, err := s.gameRepo.FindByID(ctx, game.ID)
	if err != nil {
		return nil, fmt.Errorf("ゲームの再取得に失敗しました: %w", err)
	}
	if latest != nil {
		game = latest
	}
	playerXIDs, err := s.gameRepo.PlayerXIDs(ctx, game.ID)
	if err != nil {
		return nil, fmt.Errorf("参加者の取得に失敗しました: %w", err)
	}
	result.Snapshot = model.GameSnapshot{Game: *game, PlayerXIDs: playerXIDs}

	return result, nil
}

// findOrCreate は既存ゲームへの座席確保を試み、競合時は再試行し、
// 一致するゲームがなければ新規作成する。戻り値の参加者数は確保と同一
// トランザクション内で数えた値。
//
// 作成パスはストア側でフィンガープリントのロック下に空席を再検索するため、
// ErrNoOpenGameを観測した並行呼び出し同士が兄弟ゲームを作ることはなく、
// 後続はロック待ちの間に作成されたゲームへ合流する。
func (s *Service) findOrCreate(ctx context.Context, fp model.Fingerprint, players []int64) (*model.Game, int, bool, error) {
	for attempt := 0; attempt < s.claimRetryLimit; attempt++ {
		gameID, occupied, err := s.gameRepo.ClaimSeats(ctx, fp, players)
		if err == nil {
			game, err := s.gameRepo.FindByID(ctx, gameID)
			if err != nil {
				return nil, 0, false, fmt.Errorf("ゲームの取得に失敗しました: %w", err)
			}
			if game == nil {
				return nil, 0, false, fmt.Errorf("座席確保直後のゲームが見つかりません (game_id=%d)", gameID)
			}
			return game, occupied, false, nil
		}
		if errors.Is(err, repository.ErrNoOpenGame) {
			game, occupied, created, err := s.gameRepo.CreateWithClaim(ctx, fp, players)
			if err != nil {
				return nil, 0, false, fmt.Errorf("ゲームの作成に失敗しました: %w", err)
			}
			return game, occupied, created, nil
		}
		if errors.Is(err, repository.ErrSeatConflict) {
			// 競合は外部に公開せず、find-or-createを再実行する
			s.collector.RecordSeatConflict()
			continue
		}
		return nil, 0, false, fmt.Errorf("座席の確保に失敗しました: %w", err)
	}

	// 再試行上限まで競合が続いた場合は作成パスの再検索付き確保で確実に前進する
	game, occupied, created, err := s.gameRepo.CreateWithClaim(ctx, fp, players)
	if err != nil {
		return nil, 0, false, fmt.Errorf("ゲームの作成に失敗しました: %w", err)
	}
	return game, occupied, created, nil
}

// startGame はリンクを生成してゲームをStartedに遷移させる。
// リンク生成の失敗時は空のリンクで開始する（後から再試行・補完可能）。
func (s *Service) startGame(ctx context.Context, game *model.Game, result *JoinResult) (bool, error) {
	var links provision.LinkResult
	if provisioner, ok := s.provisioners[game.Service]; ok {
		links = provisioner.ProvisionLink(ctx, game)
		if links.Empty() {
			s.logger.Warn("リンクなしでゲームを開始します",
				slog.Int64("game_id", game.ID),
				slog.String("service", game.Service.String()),
			)
		}
	} else {
		s.logger.Warn("サービスに対応するリンク生成器が登録されていません",
			slog.Int64("game_id", game.ID),
			slog.String("service", game.Service.String()),
		)
	}

	_, otherGameIDs, err := s.gameRepo.MarkStarted(ctx, game.ID, links.Refs())
	if err != nil {
		return false, fmt.Errorf("ゲームの開始遷移に失敗しました: %w", err)
	}
	result.AffectedGameIDs = otherGameIDs
	s.collector.RecordGameStarted()

	return true, nil
}

// resolveFingerprint はリクエストのゼロ値をチャンネル既定値で補完し、
// 検証済みのフィンガープリントを構築する。
func (s *Service) resolveFingerprint(ctx context.Context, req JoinRequest) (model.Fingerprint, error) {
	var fp model.Fingerprint

	channel, err := s.channelRepo.FindChannel(ctx, req.ChannelXID)
	if err != nil {
		return fp, fmt.Errorf("チャンネル設定の取得に失敗しました: %w", err)
	}

	format := req.Format
	if format == 0 {
		if channel != nil && channel.DefaultFormat.Valid() {
			format = channel.DefaultFormat
		} else {
			format = model.FormatCommander
		}
	}
	if !format.Valid() {
		return fp, model.NewInvalidFormatError(int(format))
	}

	seats := req.Seats
	if seats == 0 {
		if channel != nil && channel.DefaultSeats > 0 {
			seats = channel.DefaultSeats
		} else {
			seats = format.Players()
		}
	}
	if seats < model.MinSeats || seats > model.MaxSeats {
		return fp, model.NewInvalidSeatsError(seats)
	}

	bracket := req.Bracket
	if bracket == model.BracketNone && channel != nil {
		bracket = channel.DefaultBracket
	}

	service := req.Service
	if service == 0 {
		if channel != nil && channel.DefaultService > 0 {
			service = channel.DefaultService
		} else {
			service = model.ServiceSpellTable
		}
	}

	fp = model.Fingerprint{
		GuildXID:   req.GuildXID,
		ChannelXID: req.ChannelXID,
		Seats:      seats,
		Format:     format,
		Bracket:    bracket,
		Service:    service,
	}
	return fp, nil
}

// upsertNames は表示名が与えられた参加者のユーザー行を更新する。
// 失敗しても座席確保の妨げにはしない。
func (s *Service) upsertNames(ctx context.Context, players []int64, names map[int64]string) {
	for _, xid := range players {
		name, ok := names[xid]
		if !ok {
			continue
		}
		if err := s.userRepo.Upsert(ctx, &model.User{XID: xid, Name: name}); err != nil {
			s.logger.Warn("ユーザー表示名の更新に失敗しました",
				slog.Int64("user_xid", xid),
				slog.String("error", err.Error()),
			)
		}
	}
}

// dedupePlayers はリクエスト元と追加プレイヤーを重複・自己参照を除いて結合する。
func dedupePlayers(requester int64, extras []int64) []int64 {
	players := []int64{requester}
	seen := map[int64]bool{requester: true}
	for _, xid := range extras {
		if seen[xid] {
			continue
		}
		seen[xid] = true
		players = append(players, xid)
	}
	return players
}

// Leave はゲームから座席を解放する。冪等で、非参加者の退出は何もしない。
// Pendingゲームの最後の参加者が退出しても空のPendingゲームは残り、
// 後続のリーパーが回収する。
func (s *Service) Leave(ctx context.Context, gameID, playerXID int64) error {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return fmt.Errorf("ゲームの取得に失敗しました: %w", err)
	}
	if game == nil {
		return model.NewGameNotFoundError(gameID)
	}

	removed, err := s.gameRepo.RemovePlayer(ctx, gameID, playerXID)
	if err != nil {
		return fmt.Errorf("座席の解放に失敗しました: %w", err)
	}
	if removed {
		s.logger.Info("参加者がゲームから退出しました",
			slog.Int64("game_id", gameID),
			slog.Int64("user_xid", playerXID),
		)
	}
	return nil
}

// FullySeated はゲームが満席かを返す。
func (s *Service) FullySeated(ctx context.Context, gameID int64) (bool, error) {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return false, fmt.Errorf("ゲームの取得に失敗しました: %w", err)
	}
	if game == nil {
		return false, model.NewGameNotFoundError(gameID)
	}

	count, err := s.gameRepo.ParticipantCount(ctx, gameID)
	if err != nil {
		return false, fmt.Errorf("参加者数の取得に失敗しました: %w", err)
	}
	return count == game.Seats, nil
}

// RecordCompletion は全参加者分のプレイ記録を作成する。
// 記録は追記専用で、既存の記録は変更されない。
func (s *Service) RecordCompletion(ctx context.Context, gameID int64) error {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return fmt.Errorf("ゲームの取得に失敗しました: %w", err)
	}
	if game == nil {
		return model.NewGameNotFoundError(gameID)
	}

	playerXIDs, err := s.gameRepo.PlayerXIDs(ctx, gameID)
	if err != nil {
		return fmt.Errorf("参加者の取得に失敗しました: %w", err)
	}

	if err := s.playRepo.Ensure(ctx, gameID, playerXIDs); err != nil {
		return fmt.Errorf("プレイ記録の作成に失敗しました: %w", err)
	}
	return nil
}

// ReportPoints は参加者のポイントを記録する。
// 報告者がそのゲームの参加者でない場合はNotParticipantエラーを返す。
func (s *Service) ReportPoints(ctx context.Context, gameID, requesterXID int64, points int) error {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return fmt.Errorf("ゲームの取得に失敗しました: %w", err)
	}
	if game == nil {
		return model.NewGameNotFoundError(gameID)
	}

	isParticipant, err := s.playRepo.Exists(ctx, gameID, requesterXID)
	if err != nil {
		return fmt.Errorf("プレイ記録の確認に失敗しました: %w", err)
	}
	if !isParticipant {
		return model.NewNotParticipantError(gameID, requesterXID)
	}

	if err := s.playRepo.UpsertPoints(ctx, gameID, requesterXID, points); err != nil {
		return fmt.Errorf("ポイントの記録に失敗しました: %w", err)
	}
	return nil
}
