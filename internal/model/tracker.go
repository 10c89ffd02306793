package model

import (
	"strings"
	"time"
)

const (
	// MaxRadiusMiles はトラッカーの検索半径の上限（マイル）。約805km。
	MaxRadiusMiles = 500.0
	// MilesToKm はマイルからキロメートルへの換算係数。
	MilesToKm = 1.609344
)

// Tracker はユーザーが登録したジオフェンスと通知先を表す。
// triggeredがtrueになったトラッカーは外部からリセットされるまでマッチング対象外となる。
type Tracker struct {
	ID          string
	UserID      string
	Address     string
	Latitude    float64
	Longitude   float64
	RadiusMiles float64
	Notes       string
	Target      NotificationTarget
	Triggered   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RadiusKm は検索半径をキロメートルで返す。
func (t *Tracker) RadiusKm() float64 {
	return t.RadiusMiles * MilesToKm
}

// TargetKind は通知先の種別を表す。
type TargetKind string

const (
	// TargetWebhook はIFTTT形式のWebhook通知を示す。
	TargetWebhook TargetKind = "webhook"
	// TargetVoice は音声通話による通知を示す。
	TargetVoice TargetKind = "voice"
	// TargetUnknown は判別できない通知先を示す。
	TargetUnknown TargetKind = "unknown"
)

// NotificationTarget はトラッカーの通知先を表す。
type NotificationTarget struct {
	Kind  TargetKind
	Value string
}

// ParseNotificationTarget は保存されている通知先文字列から種別を判定する。
// http(s)://で始まる場合はWebhook、数字と記号のみの場合は電話番号として扱う。
func ParseNotificationTarget(raw string) NotificationTarget {
	v := strings.TrimSpace(raw)
	lower := strings.ToLower(v)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return NotificationTarget{Kind: TargetWebhook, Value: v}
	}
	if isPhoneNumber(v) {
		return NotificationTarget{Kind: TargetVoice, Value: v}
	}
	return NotificationTarget{Kind: TargetUnknown, Value: v}
}

// isPhoneNumber は数字を7桁以上含み、数字・空白・+・-・括弧のみで構成されるかを判定する。
func isPhoneNumber(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 7
}

// Neighbor は検索結果の1件と起点からの距離（km）を表す。
type Neighbor struct {
	Record     AvailabilityRecord
	DistanceKm float64
}

// MatchResult は1つのトラッカーと半径内で見つかった会場の組を表す。
// 1サイクルの間だけ存在し、通知処理で消費された後に破棄される。
type MatchResult struct {
	Tracker Tracker
	// Neighbors は距離の昇順に並ぶ。
	Neighbors []Neighbor
}

// Nearest は最も近い会場を返す。
func (m *MatchResult) Nearest() (AvailabilityRecord, bool) {
	if len(m.Neighbors) == 0 {
		return AvailabilityRecord{}, false
	}
	return m.Neighbors[0].Record, true
}

// User はトラッカーを所有するユーザーを表す。
type User struct {
	ID           string
	Username     string
	TrackerCount int
}
