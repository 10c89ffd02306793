package model

import (
	"encoding/json"
	"time"
)

// Availability は予約枠の空き状況を表す3値の列挙型。
// 上流のnullable booleanをそのまま扱わず、Unknownを明示的な値として持つ。
type Availability int

const (
	// AvailabilityUnknown は空き状況が不明（null/欠落）であることを示す。ゼロ値。
	AvailabilityUnknown Availability = iota
	// AvailabilityAvailable は予約枠が空いていることを示す。
	AvailabilityAvailable
	// AvailabilityUnavailable は予約枠が空いていないことを示す。
	AvailabilityUnavailable
)

// String はログ出力用の文字列表現を返す。
func (a Availability) String() string {
	switch a {
	case AvailabilityAvailable:
		return "available"
	case AvailabilityUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// IsAvailable は空きありの場合のみtrueを返す。
// Unknownは空きなしとして扱う。
func (a Availability) IsAvailable() bool {
	return a == AvailabilityAvailable
}

// AvailabilityFromNullable はnullable booleanを3値に変換する。
func AvailabilityFromNullable(v *bool) Availability {
	switch {
	case v == nil:
		return AvailabilityUnknown
	case *v:
		return AvailabilityAvailable
	default:
		return AvailabilityUnavailable
	}
}

// UnmarshalJSON は true / false / null をそれぞれ Available / Unavailable / Unknown に変換する。
// 真偽値として解釈できない値はUnknownとして扱い、エラーにはしない。
func (a *Availability) UnmarshalJSON(data []byte) error {
	var v *bool
	if err := json.Unmarshal(data, &v); err != nil {
		*a = AvailabilityUnknown
		return nil
	}
	*a = AvailabilityFromNullable(v)
	return nil
}

// AvailabilityRecord は位置情報付きの接種会場レコードを表す。
// 更新サイクルごとに丸ごと再構築され、差分マージは行わない。
type AvailabilityRecord struct {
	ID           string
	Latitude     float64
	Longitude    float64
	Provider     string
	Name         string
	Address      string
	City         string
	State        string
	PostalCode   string
	URL          string
	Availability Availability
	LastFetched  time.Time
}

// RegionSummary は地域（州）のメタデータを表す。
// ログと観測用途のみで、マッチングには使用しない。
type RegionSummary struct {
	Code                     string
	Name                     string
	StoreCount               int
	ProviderBrandCount       int
	AppointmentsLastFetched  time.Time
	AppointmentsLastModified time.Time
	ProviderBrands           []ProviderBrand
}

// ProviderBrand は地域内の事業者ブランドを表す。
type ProviderBrand struct {
	ID                       int
	Key                      string
	URL                      string
	Name                     string
	Status                   string
	ProviderID               string
	LocationCount            int
	AppointmentsLastFetched  time.Time
	AppointmentsLastModified time.Time
}

// RegionFailure は地域単位のフェッチ失敗を表す。
// 集約全体は失敗させず、ログとメトリクスにのみ使用する。
type RegionFailure struct {
	Region RegionSummary
	Err    error
}
