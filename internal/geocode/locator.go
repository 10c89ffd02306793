// Package geocode は住所文字列を座標に変換するジオコーディング機能を提供する。
// Nominatim互換サーバーのGeoJSON検索APIを使用し、結果をプロセス内にキャッシュする。
package geocode

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/GreenCappuccino/VaxFinder/internal/metrics"
	"github.com/GreenCappuccino/VaxFinder/internal/model"
	"github.com/GreenCappuccino/VaxFinder/internal/remote"
)

// DefaultServer はNominatim公開サーバーのベースURL。
const DefaultServer = "https://nominatim.openstreetmap.org/"

// JSONGetter はJSONを返すGETリクエストを行うインターフェース。
// remote.Caller が実装する。
type JSONGetter interface {
	GetJSON(ctx context.Context, rawURL string, v any) error
}

var _ JSONGetter = (*remote.Caller)(nil)

// featureCollection はNominatimのGeoJSONレスポンスのうち使用する部分。
type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Properties struct {
		DisplayName string `json:"display_name"`
	} `json:"properties"`
	Geometry struct {
		Type        string    `json:"type"`
		Coordinates []float64 `json:"coordinates"`
	} `json:"geometry"`
}

// Locator は住所を座標に解決する。
// 成功した結果はクエリ文字列をキーにキャッシュされ、ClearCacheまで保持される。
// 見つからなかったクエリとトランスポートエラーはキャッシュしない。
type Locator struct {
	client  JSONGetter
	server  string
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	mu    sync.RWMutex
	cache map[string]model.Location

	group singleflight.Group
}

// NewLocator はLocatorの新しいインスタンスを生成する。
// ratePerSecが0以下の場合は外部呼び出しを間引かない。
func NewLocator(client JSONGetter, server string, ratePerSec float64, logger *slog.Logger, m metrics.MetricsCollector) *Locator {
	if server == "" {
		server = DefaultServer
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Locator{
		client:  client,
		server:  strings.TrimRight(server, "/") + "/",
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		metrics: m,
		cache:   make(map[string]model.Location),
	}
}

// Resolve はクエリ文字列を座標に解決する。
// キャッシュにあれば外部呼び出しを行わずに返す。
// 同一クエリの同時ミスは1回の外部呼び出しにまとめられる。
func (l *Locator) Resolve(ctx context.Context, query string) (*model.Location, error) {
	if strings.TrimSpace(query) == "" {
		return nil, model.NewValidationError("住所が空です")
	}

	if loc, ok := l.lookup(query); ok {
		l.metrics.RecordGeocodeLookup(true)
		return &loc, nil
	}
	l.metrics.RecordGeocodeLookup(false)

	if err := ctx.Err(); err != nil {
		return nil, model.NewTransportTimeoutError("geocode", err)
	}

	// 共有される検索は最初の呼び出し元のキャンセルに引きずられないようにする。
	// 外部呼び出し自体のタイムアウトはremote.Callerが課す。
	ch := l.group.DoChan(query, func() (any, error) {
		// 待機中に別の呼び出しがキャッシュを埋めている可能性がある
		if loc, ok := l.lookup(query); ok {
			return loc, nil
		}
		loc, err := l.search(context.WithoutCancel(ctx), query)
		if err != nil {
			return nil, err
		}
		l.store(query, loc)
		return loc, nil
	})

	select {
	case <-ctx.Done():
		return nil, model.NewTransportTimeoutError("geocode", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		loc := res.Val.(model.Location)
		return &loc, nil
	}
}

// search は外部サーバーに問い合わせ、最初のFeatureを採用する。
func (l *Locator) search(ctx context.Context, query string) (model.Location, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return model.Location{}, model.NewTransportTimeoutError("geocode rate limiter", err)
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "geojson")
	reqURL := l.server + "search?" + params.Encode()

	var fc featureCollection
	if err := l.client.GetJSON(ctx, reqURL, &fc); err != nil {
		l.logger.Warn("ジオコーディングに失敗しました",
			slog.String("error", err.Error()),
		)
		return model.Location{}, fmt.Errorf("ジオコーディングに失敗しました: %w", err)
	}

	if fc.Type != "FeatureCollection" {
		return model.Location{}, model.NewDataShapeError("geocode",
			fmt.Errorf("FeatureCollectionではないレスポンスです: type=%q", fc.Type))
	}
	if len(fc.Features) == 0 {
		l.logger.Info("ジオコーディング結果が0件でした",
			slog.String("query", query),
		)
		return model.Location{}, model.NewNotFoundError(query)
	}

	first := fc.Features[0]
	coords := first.Geometry.Coordinates
	if len(coords) < 2 {
		return model.Location{}, model.NewDataShapeError("geocode",
			fmt.Errorf("座標が不正です: %v", coords))
	}

	return model.Location{
		Latitude:    coords[1],
		Longitude:   coords[0],
		DisplayName: first.Properties.DisplayName,
		Exists:      true,
	}, nil
}

func (l *Locator) lookup(query string) (model.Location, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	loc, ok := l.cache[query]
	return loc, ok
}

func (l *Locator) store(query string, loc model.Location) {
	l.mu.Lock()
	l.cache[query] = loc
	size := len(l.cache)
	l.mu.Unlock()
	l.metrics.SetGeocodeCacheEntries(size)
}

// ClearCache はキャッシュを全て破棄し、破棄したエントリ数を返す。
func (l *Locator) ClearCache() int {
	l.mu.Lock()
	n := len(l.cache)
	l.cache = make(map[string]model.Location)
	l.mu.Unlock()

	l.metrics.SetGeocodeCacheEntries(0)
	l.logger.Info("ジオコーディングキャッシュをクリアしました",
		slog.Int("entries", n),
	)
	return n
}

// CacheSize はキャッシュのエントリ数を返す。
func (l *Locator) CacheSize() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.cache)
}
