// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// サイクル結果ラベル
const (
	CycleResultOK          = "ok"
	CycleResultFetchFailed = "fetch_failed"
	CycleResultError       = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 更新ワーカー、ジオコーダー、通知層から利用する。
type MetricsCollector interface {
	RecordCycle(result string, duration time.Duration)
	RecordCycleSkipped()
	RecordRegionFailures(count int)
	SetIndexedRecords(count int)
	RecordGeocodeLookup(cacheHit bool)
	SetGeocodeCacheEntries(count int)
	RecordNotification(kind string, delivered bool)
	RecordTrackersTriggered(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	cycles            *prometheus.CounterVec
	cyclesSkipped     prometheus.Counter
	cycleDuration     prometheus.Histogram
	regionFailures    prometheus.Counter
	indexedRecords    prometheus.Gauge
	geocodeLookups    *prometheus.CounterVec
	geocodeEntries    prometheus.Gauge
	notifications     *prometheus.CounterVec
	trackersTriggered prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaxfinder_cycles_total",
			Help: "結果別の更新サイクル実行数",
		}, []string{"result"}),
		cyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaxfinder_cycles_skipped_total",
			Help: "前回サイクル実行中のためスキップされた更新サイクル数",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vaxfinder_cycle_duration_seconds",
			Help:    "更新サイクルの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		regionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaxfinder_feed_region_failures_total",
			Help: "地域単位のフェッチ失敗の合計数",
		}),
		indexedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vaxfinder_indexed_records",
			Help: "空間インデックスに登録されている会場数",
		}),
		geocodeLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaxfinder_geocode_lookups_total",
			Help: "キャッシュヒット/ミス別のジオコーディング要求数",
		}, []string{"cache"}),
		geocodeEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vaxfinder_geocode_cache_entries",
			Help: "ジオコーディングキャッシュのエントリ数",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaxfinder_notifications_total",
			Help: "通知先種別・結果別の通知数",
		}, []string{"kind", "result"}),
		trackersTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaxfinder_trackers_triggered_total",
			Help: "トリガー済みに遷移したトラッカーの合計数",
		}),
	}

	reg.MustRegister(
		c.cycles,
		c.cyclesSkipped,
		c.cycleDuration,
		c.regionFailures,
		c.indexedRecords,
		c.geocodeLookups,
		c.geocodeEntries,
		c.notifications,
		c.trackersTriggered,
	)

	return c
}

// RecordCycle は更新サイクルの結果と所要時間を記録する。
func (c *Collector) RecordCycle(result string, duration time.Duration) {
	c.cycles.WithLabelValues(result).Inc()
	c.cycleDuration.Observe(duration.Seconds())
}

// RecordCycleSkipped はスキップされた更新サイクルを記録する。
func (c *Collector) RecordCycleSkipped() {
	c.cyclesSkipped.Inc()
}

// RecordRegionFailures は地域単位のフェッチ失敗数を記録する。
func (c *Collector) RecordRegionFailures(count int) {
	c.regionFailures.Add(float64(count))
}

// SetIndexedRecords はインデックス済み会場数を設定する。
func (c *Collector) SetIndexedRecords(count int) {
	c.indexedRecords.Set(float64(count))
}

// RecordGeocodeLookup はジオコーディング要求のキャッシュヒット/ミスを記録する。
func (c *Collector) RecordGeocodeLookup(cacheHit bool) {
	label := "miss"
	if cacheHit {
		label = "hit"
	}
	c.geocodeLookups.WithLabelValues(label).Inc()
}

// SetGeocodeCacheEntries はジオコーディングキャッシュのエントリ数を設定する。
func (c *Collector) SetGeocodeCacheEntries(count int) {
	c.geocodeEntries.Set(float64(count))
}

// RecordNotification は通知の送信結果を記録する。
func (c *Collector) RecordNotification(kind string, delivered bool) {
	result := "failed"
	if delivered {
		result = "sent"
	}
	c.notifications.WithLabelValues(kind, result).Inc()
}

// RecordTrackersTriggered はトリガー済みに遷移したトラッカー数を記録する。
func (c *Collector) RecordTrackersTriggered(count int) {
	c.trackersTriggered.Add(float64(count))
}

// Noop は何も記録しないMetricsCollector。テストとCLIサブコマンドで使用する。
type Noop struct{}

func (Noop) RecordCycle(string, time.Duration) {}
func (Noop) RecordCycleSkipped()               {}
func (Noop) RecordRegionFailures(int)          {}
func (Noop) SetIndexedRecords(int)             {}
func (Noop) RecordGeocodeLookup(bool)          {}
func (Noop) SetGeocodeCacheEntries(int)        {}
func (Noop) RecordNotification(string, bool)   {}
func (Noop) RecordTrackersTriggered(int)       {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
