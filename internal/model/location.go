package model

import (
	"math"
	"time"
)

// Location はジオコーディング結果を表す。
type Location struct {
	Latitude    float64
	Longitude   float64
	DisplayName string
	Exists      bool
}

// ValidCoordinate は緯度経度がWGS84の範囲内の有限値であるかを判定する。
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// CycleReport は1回の更新サイクルの結果サマリ。
// ステータスAPIとログ出力に使用する。
type CycleReport struct {
	CycleID             string    `json:"cycle_id"`
	StartedAt           time.Time `json:"started_at"`
	DurationMs          float64   `json:"duration_ms"`
	RegionsFailed       int       `json:"regions_failed"`
	RecordsIndexed      int       `json:"records_indexed"`
	TrackersEvaluated   int       `json:"trackers_evaluated"`
	TrackerErrors       int       `json:"tracker_errors"`
	Matches             int       `json:"matches"`
	NotificationsSent   int       `json:"notifications_sent"`
	NotificationsFailed int       `json:"notifications_failed"`
	TrackersTriggered   int       `json:"trackers_triggered"`
	FetchFailed         bool      `json:"fetch_failed"`
	Error               string    `json:"error,omitempty"`
}
