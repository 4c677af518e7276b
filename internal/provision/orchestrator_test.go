package provision

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/convoke/internal/model"
	"github.com/hitoshi/convoke/internal/provider"
)

// mockClient はprovider.Clientのモック実装。
type mockClient struct {
	mu           sync.Mutex
	authErr      error
	createErr    error
	createErrSeq []error // 試行ごとのエラー（nilは成功）
	result       provider.SessionResult
	authCalls    int
	refCalls     int
	createCalls  int
	usedAccounts []string
}

func (m *mockClient) Name() string { return "mock" }

func (m *mockClient) Authenticate(ctx context.Context, account provider.Account) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCalls++
	m.usedAccounts = append(m.usedAccounts, account.ID)
	if m.authErr != nil {
		return "", m.authErr
	}
	return account.Secret, nil
}

func (m *mockClient) EnsureReferenceData(ctx context.Context, token string) (*provider.RefData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refCalls++
	return &provider.RefData{FormatNames: map[model.GameFormat]string{}}, nil
}

func (m *mockClient) CreateSession(ctx context.Context, token string, refs *provider.RefData, req provider.SessionRequest) (*provider.SessionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.createCalls
	m.createCalls++
	if call < len(m.createErrSeq) {
		if err := m.createErrSeq[call]; err != nil {
			return nil, err
		}
		result := m.result
		return &result, nil
	}
	if m.createErr != nil {
		return nil, m.createErr
	}
	result := m.result
	return &result, nil
}

// mockCollector はmetrics.MetricsCollectorのモック実装。
type mockCollector struct {
	mu       sync.Mutex
	attempts int
	failures map[string]int
}

func newMockCollector() *mockCollector {
	return &mockCollector{failures: make(map[string]int)}
}

func (m *mockCollector) RecordGameCreated()  {}
func (m *mockCollector) RecordGameStarted()  {}
func (m *mockCollector) RecordSeatConflict() {}
func (m *mockCollector) RecordProvisionAttempt(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
}
func (m *mockCollector) RecordProvisionFailure(service string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[reason]++
}
func (m *mockCollector) RecordProvisionLatency(service string, duration time.Duration) {}
func (m *mockCollector) RecordGameExpired(hardDeleted bool)                            {}
func (m *mockCollector) RecordVoiceDeleted(count int)                                  {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testGame() *model.Game {
	return &model.Game{
		ID:     42,
		Seats:  4,
		Format: model.FormatCommander,
	}
}

func testPool(ids ...string) *provider.AccountPool {
	accounts := make([]provider.Account, len(ids))
	for i, id := range ids {
		accounts[i] = provider.Account{ID: id, Secret: "key-" + id}
	}
	return provider.NewAccountPool(accounts)
}

// 成功時にリンクが返り、以降の試行が行われないことを検証
func TestProvisionLink_StopsOnFirstSuccess(t *testing.T) {
	client := &mockClient{
		result: provider.SessionResult{Link: "https://example.com/game/42"},
	}
	o := NewOrchestrator(client, testPool("a", "b"), 3, time.Second, newMockCollector(), testLogger())

	result := o.ProvisionLink(context.Background(), testGame())

	if result.Empty() {
		t.Fatal("expected non-empty result")
	}
	if result.Link != "https://example.com/game/42" {
		t.Errorf("result.Link = %q", result.Link)
	}
	if client.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", client.createCalls)
	}
}

// 全試行が失敗した場合に空の結果が返り、エラーが伝播しないことを検証
func TestProvisionLink_DegradesGracefully(t *testing.T) {
	client := &mockClient{createErr: provider.ErrUnavailable}
	collector := newMockCollector()
	o := NewOrchestrator(client, testPool("a"), 3, time.Second, collector, testLogger())

	result := o.ProvisionLink(context.Background(), testGame())

	if !result.Empty() {
		t.Errorf("expected empty result, got %+v", result)
	}
	if client.createCalls != 3 {
		t.Errorf("createCalls = %d, want 3", client.createCalls)
	}
	if collector.failures["unavailable"] != 3 {
		t.Errorf("failures[unavailable] = %d, want 3", collector.failures["unavailable"])
	}
}

// 途中の試行で成功した場合、残りの試行が行われないことを検証
func TestProvisionLink_SucceedsAfterRetry(t *testing.T) {
	client := &mockClient{
		createErrSeq: []error{provider.ErrUnavailable, nil},
		result:       provider.SessionResult{Link: "https://example.com/game/42"},
	}
	o := NewOrchestrator(client, testPool("a", "b"), 3, time.Second, newMockCollector(), testLogger())

	result := o.ProvisionLink(context.Background(), testGame())

	if result.Empty() {
		t.Fatal("expected non-empty result")
	}
	if client.createCalls != 2 {
		t.Errorf("createCalls = %d, want 2", client.createCalls)
	}
}

// 認証失敗時に別のアカウントで再試行されることを検証
func TestProvisionLink_RotatesAccountsOnAuthFailure(t *testing.T) {
	client := &mockClient{authErr: provider.ErrAuthFailed}
	collector := newMockCollector()
	o := NewOrchestrator(client, testPool("a", "b", "c"), 3, time.Second, collector, testLogger())

	result := o.ProvisionLink(context.Background(), testGame())

	if !result.Empty() {
		t.Error("expected empty result")
	}
	if client.authCalls != 3 {
		t.Fatalf("authCalls = %d, want 3", client.authCalls)
	}
	// ラウンドロビンにより3試行で3つの異なるアカウントが使われる
	seen := make(map[string]bool)
	for _, id := range client.usedAccounts {
		seen[id] = true
	}
	if len(seen) != 3 {
		t.Errorf("distinct accounts = %d, want 3 (used: %v)", len(seen), client.usedAccounts)
	}
	if collector.failures["auth"] != 3 {
		t.Errorf("failures[auth] = %d, want 3", collector.failures["auth"])
	}
}

// 参照データが最初の成功時に1回だけ取得されることを検証
func TestProvisionLink_CachesReferenceData(t *testing.T) {
	client := &mockClient{
		result: provider.SessionResult{Link: "https://example.com/game/42"},
	}
	o := NewOrchestrator(client, testPool("a"), 3, time.Second, newMockCollector(), testLogger())

	o.ProvisionLink(context.Background(), testGame())
	o.ProvisionLink(context.Background(), testGame())
	o.ProvisionLink(context.Background(), testGame())

	if client.refCalls != 1 {
		t.Errorf("refCalls = %d, want 1（キャッシュが再利用されるべき）", client.refCalls)
	}
}

// アカウントが未設定の場合に外部呼び出しなしで空の結果が返ることを検証
func TestProvisionLink_EmptyPool(t *testing.T) {
	client := &mockClient{}
	o := NewOrchestrator(client, testPool(), 3, time.Second, newMockCollector(), testLogger())

	result := o.ProvisionLink(context.Background(), testGame())

	if !result.Empty() {
		t.Error("expected empty result")
	}
	if client.authCalls != 0 {
		t.Errorf("authCalls = %d, want 0", client.authCalls)
	}
}

// LinkResultの変換を検証
func TestLinkResult_Refs(t *testing.T) {
	result := LinkResult{
		Link:         "https://example.com/game/1",
		SpectateLink: "https://example.com/spectate/1",
		Password:     "secret",
	}

	refs := result.Refs()
	if refs.Link != result.Link || refs.SpectateLink != result.SpectateLink || refs.Password != result.Password {
		t.Errorf("Refs() = %+v, want fields matching %+v", refs, result)
	}

	if !(LinkResult{}).Empty() {
		t.Error("ゼロ値のLinkResultはEmpty()=trueであるべき")
	}
}
