package expire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/convoke/internal/model"
	"github.com/hitoshi/convoke/internal/repository"
)

// mockExpirer はGameExpirerのモック実装。
type mockExpirer struct {
	games   []*model.Game
	results map[int64]repository.ExpireResult
	errs    map[int64]error
	expired []int64
}

func (m *mockExpirer) ListInactive(ctx context.Context, threshold time.Time) ([]*model.Game, error) {
	return m.games, nil
}

func (m *mockExpirer) Expire(ctx context.Context, gameID int64, threshold time.Time) (repository.ExpireResult, error) {
	if err := m.errs[gameID]; err != nil {
		return repository.ExpireResult{}, err
	}
	m.expired = append(m.expired, gameID)
	return m.results[gameID], nil
}

// mockChannelFinder はChannelFinderのモック実装。
type mockChannelFinder struct {
	channels map[int64]*model.Channel
}

func (m *mockChannelFinder) FindChannel(ctx context.Context, xid int64) (*model.Channel, error) {
	return m.channels[xid], nil
}

// mockNotifier はPostNotifierのモック実装。
type mockNotifier struct {
	deleted []int64
	marked  []int64
}

func (m *mockNotifier) DeleteGamePost(ctx context.Context, game *model.Game) error {
	m.deleted = append(m.deleted, game.ID)
	return nil
}

func (m *mockNotifier) MarkGamePostExpired(ctx context.Context, game *model.Game) error {
	m.marked = append(m.marked, game.ID)
	return nil
}

// nopCollector はメトリクス収集の何もしない実装。
type nopCollector struct{}

func (nopCollector) RecordGameCreated()                                     {}
func (nopCollector) RecordGameStarted()                                     {}
func (nopCollector) RecordSeatConflict()                                    {}
func (nopCollector) RecordProvisionAttempt(service string)                  {}
func (nopCollector) RecordProvisionFailure(service string, reason string)   {}
func (nopCollector) RecordProvisionLatency(service string, d time.Duration) {}
func (nopCollector) RecordGameExpired(hardDeleted bool)                     {}
func (nopCollector) RecordVoiceDeleted(count int)                           {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func pendingGame(id, messageXID int64) *model.Game {
	return &model.Game{
		ID:         id,
		GuildXID:   1,
		ChannelXID: 1,
		Seats:      4,
		Status:     model.GameStatusPending,
		MessageXID: messageXID,
	}
}

func newJob(expirer *mockExpirer, finder *mockChannelFinder, notifier *mockNotifier) *Job {
	// pauseを最小にしてテストの待ち時間を減らす
	return NewJob(expirer, finder, notifier, nopCollector{}, testLogger(), 45*time.Minute, time.Nanosecond)
}

// 空のPendingゲームがハード削除され、投稿が削除されることを検証
func TestRunOnce_HardDeletesEmptyGames(t *testing.T) {
	expirer := &mockExpirer{
		games: []*model.Game{pendingGame(1, 100)},
		results: map[int64]repository.ExpireResult{
			1: {Expired: true, HardDeleted: true},
		},
	}
	notifier := &mockNotifier{}
	job := newJob(expirer, &mockChannelFinder{}, notifier)

	if err := job.RunOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if len(expirer.expired) != 1 || expirer.expired[0] != 1 {
		t.Errorf("expired = %v, want [1]", expirer.expired)
	}
	// 座席解放がなかったゲームの投稿は削除される
	if len(notifier.deleted) != 1 {
		t.Errorf("deleted posts = %v, want [1]", notifier.deleted)
	}
	if len(notifier.marked) != 0 {
		t.Errorf("marked posts = %v, want empty", notifier.marked)
	}
}

// 参加者のいるゲームがソフト失効し、投稿が失効表示になることを検証
func TestRunOnce_SoftExpiresGamesWithPlayers(t *testing.T) {
	expirer := &mockExpirer{
		games: []*model.Game{pendingGame(2, 200)},
		results: map[int64]repository.ExpireResult{
			2: {Expired: true, Released: []int64{10, 11}},
		},
	}
	notifier := &mockNotifier{}
	job := newJob(expirer, &mockChannelFinder{}, notifier)

	if err := job.RunOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if len(notifier.marked) != 1 || notifier.marked[0] != 2 {
		t.Errorf("marked posts = %v, want [2]", notifier.marked)
	}
	if len(notifier.deleted) != 0 {
		t.Errorf("deleted posts = %v, want empty", notifier.deleted)
	}
}

// チャンネル設定delete_expiredが有効なら投稿が削除されることを検証
func TestRunOnce_DeletesPostWhenChannelConfigured(t *testing.T) {
	expirer := &mockExpirer{
		games: []*model.Game{pendingGame(3, 300)},
		results: map[int64]repository.ExpireResult{
			3: {Expired: true, Released: []int64{10}},
		},
	}
	finder := &mockChannelFinder{channels: map[int64]*model.Channel{
		1: {XID: 1, DeleteExpired: true},
	}}
	notifier := &mockNotifier{}
	job := newJob(expirer, finder, notifier)

	if err := job.RunOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if len(notifier.deleted) != 1 || notifier.deleted[0] != 3 {
		t.Errorf("deleted posts = %v, want [3]", notifier.deleted)
	}
}

// 条件を満たさなくなったゲーム（座席確保で更新済み）がスキップされることを検証
func TestRunOnce_SkipsRefreshedGames(t *testing.T) {
	expirer := &mockExpirer{
		games: []*model.Game{pendingGame(4, 400)},
		results: map[int64]repository.ExpireResult{
			4: {Expired: false},
		},
	}
	notifier := &mockNotifier{}
	job := newJob(expirer, &mockChannelFinder{}, notifier)

	if err := job.RunOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if len(notifier.deleted) != 0 || len(notifier.marked) != 0 {
		t.Error("失効しなかったゲームの投稿は変更されないべき")
	}
}

// 単一ゲームの失敗がサイクル全体を中断しないことを検証
func TestRunOnce_ContinuesAfterSingleFailure(t *testing.T) {
	expirer := &mockExpirer{
		games: []*model.Game{pendingGame(5, 0), pendingGame(6, 0)},
		errs:  map[int64]error{5: errors.New("接続エラー")},
		results: map[int64]repository.ExpireResult{
			6: {Expired: true, HardDeleted: true},
		},
	}
	job := newJob(expirer, &mockChannelFinder{}, &mockNotifier{})

	if err := job.RunOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if len(expirer.expired) != 1 || expirer.expired[0] != 6 {
		t.Errorf("expired = %v, want [6]（失敗したゲームの後続は処理されるべき）", expirer.expired)
	}
}

// 投稿未作成（message_xidなし）のゲームで通知がスキップされることを検証
func TestRunOnce_SkipsNotifyWithoutPost(t *testing.T) {
	expirer := &mockExpirer{
		games: []*model.Game{pendingGame(7, 0)},
		results: map[int64]repository.ExpireResult{
			7: {Expired: true, Released: []int64{10}},
		},
	}
	notifier := &mockNotifier{}
	job := newJob(expirer, &mockChannelFinder{}, notifier)

	if err := job.RunOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if len(notifier.deleted) != 0 || len(notifier.marked) != 0 {
		t.Error("投稿のないゲームでは通知しないべき")
	}
}
