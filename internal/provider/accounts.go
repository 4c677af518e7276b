package provider

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

// AccountPool はサービスアカウントのラウンドロビン選択プール。
// カウンターは初回利用時にランダムな位置から始まり、呼び出しごとに1つ進む。
// 複数ゴルーチンから同時に呼ばれてもカウンターの読み書きはアトミックに行われる。
type AccountPool struct {
	accounts []Account
	counter  atomic.Int64
}

// NewAccountPool はAccountPoolを生成する。開始位置はランダムに決まる。
func NewAccountPool(accounts []Account) *AccountPool {
	pool := &AccountPool{accounts: accounts}
	if len(accounts) > 0 {
		pool.counter.Store(int64(rand.Intn(len(accounts))))
	}
	return pool
}

// Size はプール内のアカウント数を返す。
func (p *AccountPool) Size() int {
	return len(p.accounts)
}

// Pick は次のアカウントを返し、カウンターを進める。
// M回の呼び出しでP個のアカウントそれぞれが少なくともfloor(M/P)回選択される。
func (p *AccountPool) Pick() Account {
	n := p.counter.Add(1) - 1
	return p.accounts[int(n%int64(len(p.accounts)))]
}

// LockMap はアカウントIDごとの排他ロックを遅延生成して保持する。
// 同一アカウントの外部呼び出しを直列化し、ステートフルなプロバイダーセッション
// （クッキー・トークン）が2箇所から同時に使用されることを防ぐ。
type LockMap struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockMap はLockMapを生成する。
func NewLockMap() *LockMap {
	return &LockMap{locks: make(map[string]*sync.Mutex)}
}

// Acquire はアカウントのロックを取得して返す。呼び出し元がUnlockする責任を持つ。
// ロックの挿入自体は内部ロックで保護される。
func (m *LockMap) Acquire(accountID string) *sync.Mutex {
	m.mu.Lock()
	lock, ok := m.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[accountID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock
}
