// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・オーケストレーター・ワーカーから利用する。
type MetricsCollector interface {
	RecordGameCreated()
	RecordGameStarted()
	RecordSeatConflict()
	RecordProvisionAttempt(service string)
	RecordProvisionFailure(service string, reason string)
	RecordProvisionLatency(service string, duration time.Duration)
	RecordGameExpired(hardDeleted bool)
	RecordVoiceDeleted(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	gamesCreated     prometheus.Counter
	gamesStarted     prometheus.Counter
	seatConflicts    prometheus.Counter
	provisionAttempt *prometheus.CounterVec
	provisionFail    *prometheus.CounterVec
	provisionLatency *prometheus.HistogramVec
	gamesExpired     *prometheus.CounterVec
	voiceDeleted     prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		gamesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convoke_games_created_total",
			Help: "作成されたゲームの合計数",
		}),
		gamesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convoke_games_started_total",
			Help: "満席になり開始されたゲームの合計数",
		}),
		seatConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convoke_seat_conflicts_total",
			Help: "座席確保の競合（再試行で回復）の合計数",
		}),
		provisionAttempt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoke_provision_attempts_total",
			Help: "リンク生成試行のサービス別合計数",
		}, []string{"service"}),
		provisionFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoke_provision_failures_total",
			Help: "リンク生成失敗のサービス・理由別合計数",
		}, []string{"service", "reason"}),
		provisionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convoke_provision_latency_seconds",
			Help:    "リンク生成のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		gamesExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoke_games_expired_total",
			Help: "失効したゲームの削除種別ごとの合計数",
		}, []string{"mode"}),
		voiceDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convoke_voice_channels_deleted_total",
			Help: "削除されたボイスチャンネルの合計数",
		}),
	}

	reg.MustRegister(
		c.gamesCreated,
		c.gamesStarted,
		c.seatConflicts,
		c.provisionAttempt,
		c.provisionFail,
		c.provisionLatency,
		c.gamesExpired,
		c.voiceDeleted,
	)

	return c
}

// RecordGameCreated はゲーム作成を記録する。
func (c *Collector) RecordGameCreated() {
	c.gamesCreated.Inc()
}

// RecordGameStarted はゲーム開始を記録する。
func (c *Collector) RecordGameStarted() {
	c.gamesStarted.Inc()
}

// RecordSeatConflict は座席確保の競合を記録する。
func (c *Collector) RecordSeatConflict() {
	c.seatConflicts.Inc()
}

// RecordProvisionAttempt はリンク生成の試行を記録する。
func (c *Collector) RecordProvisionAttempt(service string) {
	c.provisionAttempt.WithLabelValues(service).Inc()
}

// RecordProvisionFailure はリンク生成の失敗を記録する。
func (c *Collector) RecordProvisionFailure(service string, reason string) {
	c.provisionFail.WithLabelValues(service, reason).Inc()
}

// RecordProvisionLatency はリンク生成のレイテンシを記録する。
func (c *Collector) RecordProvisionLatency(service string, duration time.Duration) {
	c.provisionLatency.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordGameExpired はゲームの失効を記録する。
func (c *Collector) RecordGameExpired(hardDeleted bool) {
	mode := "soft"
	if hardDeleted {
		mode = "hard"
	}
	c.gamesExpired.WithLabelValues(mode).Inc()
}

// RecordVoiceDeleted は削除されたボイスチャンネル数を記録する。
func (c *Collector) RecordVoiceDeleted(count int) {
	c.voiceDeleted.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
