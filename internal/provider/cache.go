package provider

import "sync"

// RefCache はサービスごとの参照データのプロセス内キャッシュ。
// 初回の認証成功時に1回だけ書き込まれ、以降は読み取りのみ。
// 同時に2つの書き込みが競合しても参照データは冪等なため害はない。
type RefCache struct {
	mu   sync.RWMutex
	data *RefData
}

// NewRefCache はRefCacheを生成する。
func NewRefCache() *RefCache {
	return &RefCache{}
}

// Get はキャッシュ済みの参照データを返す。未設定の場合はfalseを返す。
func (c *RefCache) Get() (*RefData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data, c.data != nil
}

// Set は参照データをキャッシュする。
func (c *RefCache) Set(data *RefData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
}
