// Package cleanup はジオコーディングキャッシュの定期クリアジョブを提供する。
// 更新サイクルとは独立したティッカーで動作し、サイクルの状態には触れない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInterval はキャッシュをクリアする間隔のデフォルト値。
const DefaultInterval = 24 * time.Hour

// CacheClearer はキャッシュを全削除し、削除したエントリ数を返すインターフェース。
// geocode.Locator が実装する。
type CacheClearer interface {
	ClearCache() int
}

// CacheJob はジオコーディングキャッシュの定期クリアジョブ。
type CacheJob struct {
	cache    CacheClearer
	logger   *slog.Logger
	Interval time.Duration // クリア間隔（デフォルト: 24時間）
}

// NewCacheJob は新しいCacheJobを生成する。
func NewCacheJob(cache CacheClearer, logger *slog.Logger) *CacheJob {
	return &CacheJob{
		cache:    cache,
		logger:   logger,
		Interval: DefaultInterval,
	}
}

// Run はキャッシュを1回クリアする。
// 冪等: キャッシュが空でもエラーにならない。
func (j *CacheJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("キャッシュクリアを中断しました: %w", err)
	}

	start := time.Now()
	cleared := j.cache.ClearCache()

	j.logger.Info("ジオコーディングキャッシュをクリアしました",
		slog.Int("cleared_count", cleared),
		slog.Duration("interval", j.Interval),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はIntervalごとにRunを実行する。コンテキストがキャンセルされるまでブロックする。
// 起動直後はキャッシュが空のため、最初の実行は1間隔後となる。
func (j *CacheJob) Start(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("キャッシュクリアジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("キャッシュクリアジョブの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
