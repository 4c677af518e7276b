package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// counterValue はレジストリから指定メトリクスのカウンター値を取得する。
// 見つからない場合は-1を返す。
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					matched = false
					break
				}
			}
			if matched {
				return m.GetCounter().GetValue()
			}
		}
	}
	return -1
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
	var _ MetricsCollector = c
}

// TestRecordGameCreated_IncrementsCounter はゲーム作成カウンタが増加することを検証する。
func TestRecordGameCreated_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordGameCreated()
	c.RecordGameCreated()

	if val := counterValue(t, reg, "convoke_games_created_total", nil); val != 2 {
		t.Errorf("games_created_total = %v, want 2", val)
	}
}

// TestRecordSeatConflict_IncrementsCounter は座席競合カウンタが増加することを検証する。
func TestRecordSeatConflict_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSeatConflict()

	if val := counterValue(t, reg, "convoke_seat_conflicts_total", nil); val != 1 {
		t.Errorf("seat_conflicts_total = %v, want 1", val)
	}
}

// TestRecordProvisionMetrics_ByService はサービス別のリンク生成メトリクスを検証する。
func TestRecordProvisionMetrics_ByService(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProvisionAttempt("spelltable")
	c.RecordProvisionAttempt("spelltable")
	c.RecordProvisionFailure("spelltable", "auth")
	c.RecordProvisionLatency("spelltable", 250*time.Millisecond)

	if val := counterValue(t, reg, "convoke_provision_attempts_total",
		map[string]string{"service": "spelltable"}); val != 2 {
		t.Errorf("provision_attempts_total{spelltable} = %v, want 2", val)
	}
	if val := counterValue(t, reg, "convoke_provision_failures_total",
		map[string]string{"service": "spelltable", "reason": "auth"}); val != 1 {
		t.Errorf("provision_failures_total{spelltable,auth} = %v, want 1", val)
	}
}

// TestRecordGameExpired_ByMode は失効カウンタが削除種別ごとに記録されることを検証する。
func TestRecordGameExpired_ByMode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordGameExpired(true)
	c.RecordGameExpired(false)
	c.RecordGameExpired(false)

	if val := counterValue(t, reg, "convoke_games_expired_total",
		map[string]string{"mode": "hard"}); val != 1 {
		t.Errorf("games_expired_total{hard} = %v, want 1", val)
	}
	if val := counterValue(t, reg, "convoke_games_expired_total",
		map[string]string{"mode": "soft"}); val != 2 {
		t.Errorf("games_expired_total{soft} = %v, want 2", val)
	}
}

// TestRecordVoiceDeleted_AddsCount はボイスチャンネル削除数が加算されることを検証する。
func TestRecordVoiceDeleted_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordVoiceDeleted(3)
	c.RecordVoiceDeleted(2)

	if val := counterValue(t, reg, "convoke_voice_channels_deleted_total", nil); val != 5 {
		t.Errorf("voice_channels_deleted_total = %v, want 5", val)
	}
}
