package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// SpellTable
	SpellTableCreateURL string
	SpellTableAuthKeys  []string // アカウントごとの認証キー（カンマ区切り環境変数）

	// TableStream
	TableStreamCreateURL string
	TableStreamAuthKeys  []string

	// Provisioning
	ProviderTimeout       time.Duration
	ProviderRetryAttempts int
	RoomTTL               time.Duration

	// Matchmaking
	ClaimRetryLimit int

	// Reaper
	ExpireInterval     time.Duration
	ExpireAfter        time.Duration
	ExpireBatchPause   time.Duration
	VoiceCleanInterval time.Duration
	VoiceGracePeriod   time.Duration
	VoiceAgeLimit      time.Duration
	VoiceCleanupBatch  int

	// Rate Limit
	RateLimitGeneral int

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Provider credentials（未設定のプロバイダはリンク生成不可として扱う）
	cfg.SpellTableCreateURL = getEnvString("SPELLTABLE_CREATE_URL",
		"https://us-central1-magic-night-30324.cloudfunctions.net/createGame")
	cfg.SpellTableAuthKeys = splitKeys(os.Getenv("SPELLTABLE_AUTH_KEYS"))
	cfg.TableStreamCreateURL = getEnvString("TABLESTREAM_CREATE_URL",
		"https://api.table-stream.com/create-room")
	cfg.TableStreamAuthKeys = splitKeys(os.Getenv("TABLESTREAM_AUTH_KEYS"))

	// Optional fields with defaults
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 5*time.Second)
	cfg.ProviderRetryAttempts = getEnvInt("PROVIDER_RETRY_ATTEMPTS", 3)
	cfg.RoomTTL = getEnvDuration("ROOM_TTL", 1*time.Hour)
	cfg.ClaimRetryLimit = getEnvInt("CLAIM_RETRY_LIMIT", 5)
	cfg.ExpireInterval = getEnvDuration("EXPIRE_INTERVAL", 10*time.Minute)
	cfg.ExpireAfter = getEnvDuration("EXPIRE_AFTER", 45*time.Minute)
	cfg.ExpireBatchPause = getEnvDuration("EXPIRE_BATCH_PAUSE", 1*time.Second)
	cfg.VoiceCleanInterval = getEnvDuration("VOICE_CLEAN_INTERVAL", 30*time.Minute)
	cfg.VoiceGracePeriod = getEnvDuration("VOICE_GRACE_PERIOD", 10*time.Minute)
	cfg.VoiceAgeLimit = getEnvDuration("VOICE_AGE_LIMIT", 5*time.Hour)
	cfg.VoiceCleanupBatch = getEnvInt("VOICE_CLEANUP_BATCH", 30)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// splitKeys はカンマ区切りの認証キーリストをパースする。空要素は除外する。
func splitKeys(v string) []string {
	if v == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(v, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
