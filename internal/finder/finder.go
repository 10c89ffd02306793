// Package finder は接種会場の空間インデックスと近傍検索を提供する。
//
// 会場の緯度経度を単位球面上の3次元ベクトルに変換してR木に格納する。
// 弦長は大円距離に対して単調増加であるため、検索半径は弦長の立方体に
// 変換してR木の範囲検索で候補を絞り込める。
package finder

import (
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dhconnelly/rtreego"

	"github.com/GreenCappuccino/VaxFinder/internal/metrics"
	"github.com/GreenCappuccino/VaxFinder/internal/model"
)

const (
	// EarthRadiusKm は地球の平均半径（km）。
	EarthRadiusKm = 6371.0
	// DefaultNeighbors は1トラッカーあたりに返す最大件数のデフォルト値。
	DefaultNeighbors = 5

	// R木のノードあたりの子要素数
	minChildren = 25
	maxChildren = 50
	// 点を矩形として格納する際の許容幅（単位球面上）
	pointTolerance = 1e-12
	// 境界上の点を取りこぼさないための検索範囲の余裕（単位球面上）
	boxSlack = 1e-9
)

// Predicate は検索対象に含めるレコードを判定する。
type Predicate func(model.AvailabilityRecord) bool

// IsAvailable は予約枠に空きがあるレコードのみを通過させる。
// 空き状況が不明なレコードは除外する。
func IsAvailable(r model.AvailabilityRecord) bool {
	return r.Availability.IsAvailable()
}

// entry はR木に格納する1会場。
type entry struct {
	record model.AvailabilityRecord
	vec    rtreego.Point
	rect   rtreego.Rect
}

// Bounds はrtreego.Spatialを実装する。
func (e *entry) Bounds() rtreego.Rect {
	return e.rect
}

// snapshot は構築済みの不変インデックス。
type snapshot struct {
	tree  *rtreego.Rtree
	size  int
	built time.Time
}

// Finder は空間インデックスを保持し、近傍検索を行う。
// Rebuildは新しいインデックスを構築してから差し替えるため、
// 検索中の呼び出し元が構築途中のインデックスを参照することはない。
type Finder struct {
	current atomic.Pointer[snapshot]
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// New はFinderの新しいインスタンスを生成する。初期状態のインデックスは空。
func New(logger *slog.Logger, m metrics.MetricsCollector) *Finder {
	if m == nil {
		m = metrics.Noop{}
	}
	f := &Finder{logger: logger, metrics: m}
	f.current.Store(&snapshot{})
	return f
}

// Rebuild はレコード集合から新しいインデックスを構築して差し替える。
// 座標が不正なレコードは格納しない。格納したレコード数を返す。
func (f *Finder) Rebuild(records []model.AvailabilityRecord) int {
	start := time.Now()

	objs := make([]rtreego.Spatial, 0, len(records))
	dropped := 0
	for _, r := range records {
		if !model.ValidCoordinate(r.Latitude, r.Longitude) {
			dropped++
			continue
		}
		vec := toVector(r.Latitude, r.Longitude)
		objs = append(objs, &entry{
			record: r,
			vec:    vec,
			rect:   vec.ToRect(pointTolerance),
		})
	}

	snap := &snapshot{size: len(objs), built: time.Now()}
	if len(objs) > 0 {
		snap.tree = rtreego.NewTree(3, minChildren, maxChildren, objs...)
	}
	f.current.Store(snap)
	f.metrics.SetIndexedRecords(snap.size)

	f.logger.Debug("空間インデックスを再構築しました",
		slog.Int("records", snap.size),
		slog.Int("dropped", dropped),
		slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000.0),
	)
	return snap.size
}

// Size はインデックスに格納されているレコード数を返す。
func (f *Finder) Size() int {
	return f.current.Load().size
}

// BuiltAt は現在のインデックスを構築した時刻を返す。未構築の場合はゼロ値。
func (f *Finder) BuiltAt() time.Time {
	return f.current.Load().built
}

// Query は起点から半径radiusKm以内（境界を含む）でpredを満たすレコードを
// 近い順に最大k件返す。kが0以下の場合はDefaultNeighborsを使用する。
// predがnilの場合は全てのレコードを対象とする。
func (f *Finder) Query(lat, lon, radiusKm float64, pred Predicate, k int) ([]model.Neighbor, error) {
	if !model.ValidCoordinate(lat, lon) {
		return nil, model.NewValidationError("起点の座標が不正です")
	}
	if math.IsNaN(radiusKm) || radiusKm < 0 {
		return nil, model.NewValidationError("検索半径が不正です")
	}
	if k <= 0 {
		k = DefaultNeighbors
	}

	snap := f.current.Load()
	if snap.size == 0 || snap.tree == nil {
		return []model.Neighbor{}, nil
	}

	origin := toVector(lat, lon)
	accept := func(_ []rtreego.Spatial, obj rtreego.Spatial) (refuse, abort bool) {
		e, ok := obj.(*entry)
		if !ok {
			return true, false
		}
		if distanceKm(origin, e.vec) > radiusKm {
			return true, false
		}
		if pred != nil && !pred(e.record) {
			return true, false
		}
		return false, false
	}

	// 半径に対応する弦長の立方体で候補を絞り込み、範囲外の枝は辿らない
	found := snap.tree.SearchIntersect(searchBox(origin, radiusKm), accept)

	neighbors := make([]model.Neighbor, 0, len(found))
	for _, obj := range found {
		e, ok := obj.(*entry)
		if !ok || e == nil {
			continue
		}
		neighbors = append(neighbors, model.Neighbor{
			Record:     e.record,
			DistanceKm: distanceKm(origin, e.vec),
		})
	}
	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].DistanceKm < neighbors[j].DistanceKm
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// searchBox は起点から大円距離radiusKm以内の点をすべて含む軸平行な立方体を返す。
func searchBox(origin rtreego.Point, radiusKm float64) rtreego.Rect {
	chord := 2.0
	if angle := radiusKm / EarthRadiusKm; angle < math.Pi {
		chord = 2 * math.Sin(angle/2)
	}
	chord += boxSlack

	lo := make(rtreego.Point, len(origin))
	hi := make(rtreego.Point, len(origin))
	for i, v := range origin {
		lo[i] = v - chord
		hi[i] = v + chord
	}
	// lo <= hi のため失敗しない
	box, _ := rtreego.NewRectFromPoints(lo, hi)
	return box
}

// toVector は緯度経度を単位球面上の3次元ベクトルに変換する。
func toVector(lat, lon float64) rtreego.Point {
	phi := lat * math.Pi / 180
	lambda := lon * math.Pi / 180
	cosPhi := math.Cos(phi)
	return rtreego.Point{
		cosPhi * math.Cos(lambda),
		cosPhi * math.Sin(lambda),
		math.Sin(phi),
	}
}

// distanceKm は単位ベクトル間の弦長から大円距離（km）を求める。
func distanceKm(a, b rtreego.Point) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	chord := math.Sqrt(dx*dx + dy*dy + dz*dz)
	half := chord / 2
	if half > 1 {
		half = 1
	}
	return 2 * EarthRadiusKm * math.Asin(half)
}

// Haversine は2点間の大円距離（km）をハーバサイン公式で求める。
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	if a > 1 {
		a = 1
	}
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(a))
}
