// Package feed は外部の接種会場フィードを集約する。
// 地域（州）一覧を取得し、全地域のGeoJSONを並列に取得して1つのレコード集合にまとめる。
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/GreenCappuccino/VaxFinder/internal/metrics"
	"github.com/GreenCappuccino/VaxFinder/internal/model"
	"github.com/GreenCappuccino/VaxFinder/internal/security"
)

const (
	// DefaultBaseURL はフィードAPIのベースURL。
	DefaultBaseURL = "https://www.vaccinespotter.org/api/v0"
	// DefaultMaxConcurrent は地域フィードの同時取得数のデフォルト値。
	DefaultMaxConcurrent = 16
)

// JSONGetter はJSONを返すGETリクエストを行うインターフェース。
// remote.Caller が実装する。
type JSONGetter interface {
	GetJSON(ctx context.Context, rawURL string, v any) error
}

// Aggregator は全地域のフィードを取得して集約する。
type Aggregator struct {
	client        JSONGetter
	baseURL       string
	maxConcurrent int
	sanitizer     security.TextSanitizer
	logger        *slog.Logger
	metrics       metrics.MetricsCollector
	now           func() time.Time
}

// NewAggregator はAggregatorの新しいインスタンスを生成する。
// maxConcurrentが0以下の場合はデフォルト値16を使用する。
func NewAggregator(
	client JSONGetter,
	baseURL string,
	maxConcurrent int,
	sanitizer security.TextSanitizer,
	logger *slog.Logger,
	m metrics.MetricsCollector,
) *Aggregator {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Aggregator{
		client:        client,
		baseURL:       strings.TrimRight(baseURL, "/"),
		maxConcurrent: maxConcurrent,
		sanitizer:     sanitizer,
		logger:        logger,
		metrics:       m,
		now:           time.Now,
	}
}

// FetchRegions は地域一覧を取得する。
func (a *Aggregator) FetchRegions(ctx context.Context) ([]model.RegionSummary, error) {
	var resp []regionResponse
	if err := a.client.GetJSON(ctx, a.baseURL+"/states.json", &resp); err != nil {
		return nil, fmt.Errorf("地域一覧の取得に失敗しました: %w", err)
	}

	regions := make([]model.RegionSummary, 0, len(resp))
	for _, r := range resp {
		regions = append(regions, r.toSummary())
	}
	return regions, nil
}

// FetchRegion は1地域のフィードを取得し、座標が有効なレコードのみを返す。
// 戻り値skippedは座標の欠落・不正により除外したFeature数。
func (a *Aggregator) FetchRegion(ctx context.Context, code string) (records []model.AvailabilityRecord, skipped int, err error) {
	if strings.TrimSpace(code) == "" {
		return nil, 0, model.NewDataShapeError("region", fmt.Errorf("地域コードが空です"))
	}

	var fc locationCollection
	reqURL := fmt.Sprintf("%s/states/%s.json", a.baseURL, url.PathEscape(code))
	if err := a.client.GetJSON(ctx, reqURL, &fc); err != nil {
		return nil, 0, err
	}

	fetchedAt := a.now()
	records = make([]model.AvailabilityRecord, 0, len(fc.Features))
	for _, f := range fc.Features {
		lat, lon, ok := f.point()
		if !ok {
			skipped++
			continue
		}
		p := f.Properties
		records = append(records, model.AvailabilityRecord{
			ID:           string(p.ID),
			Latitude:     lat,
			Longitude:    lon,
			Provider:     a.sanitizer.Clean(p.Provider),
			Name:         a.sanitizer.Clean(p.Name),
			Address:      a.sanitizer.Clean(p.Address),
			City:         a.sanitizer.Clean(p.City),
			State:        a.sanitizer.Clean(p.State),
			PostalCode:   a.sanitizer.Clean(p.PostalCode),
			URL:          p.URL,
			Availability: p.AppointmentsAvailable,
			LastFetched:  fetchedAt,
		})
	}

	if skipped > 0 {
		a.logger.Debug("座標が不正なFeatureを除外しました",
			slog.String("region", code),
			slog.Int("skipped", skipped),
		)
	}
	return records, skipped, nil
}

// FetchAll は全地域のフィードを取得して1つのレコード集合にまとめる。
// 地域一覧の取得失敗のみをエラーとして返す。
// 地域単位の失敗はfailuresに記録し、成功した地域のレコードの和集合を返す（重複排除なし）。
func (a *Aggregator) FetchAll(ctx context.Context) ([]model.AvailabilityRecord, []model.RegionFailure, error) {
	start := time.Now()

	regions, err := a.FetchRegions(ctx)
	if err != nil {
		a.logger.Error("地域一覧の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, nil, err
	}

	a.logger.Debug("地域フィードの集約を開始します",
		slog.Int("region_count", len(regions)),
	)

	var (
		mu       sync.Mutex
		records  []model.AvailabilityRecord
		failures []model.RegionFailure
		skipped  int
	)

	sem := make(chan struct{}, a.maxConcurrent)
	var wg sync.WaitGroup

	for _, region := range regions {
		wg.Add(1)
		sem <- struct{}{}

		go func(r model.RegionSummary) {
			defer wg.Done()
			defer func() { <-sem }()

			recs, n, err := a.fetchRegionSafe(ctx, r.Code)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				a.logger.Error("地域フィードの取得に失敗しました",
					slog.String("region", r.Code),
					slog.String("error", err.Error()),
				)
				failures = append(failures, model.RegionFailure{Region: r, Err: err})
				return
			}
			records = append(records, recs...)
			skipped += n
		}(region)
	}

	wg.Wait()

	if len(failures) > 0 {
		a.metrics.RecordRegionFailures(len(failures))
	}

	duration := time.Since(start)
	a.logger.Info("地域フィードの集約が完了しました",
		slog.Int("region_count", len(regions)),
		slog.Int("record_count", len(records)),
		slog.Int("failed_regions", len(failures)),
		slog.Int("skipped_features", skipped),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return records, failures, nil
}

// fetchRegionSafe はFetchRegionのpanicを地域単位の失敗として返す。
func (a *Aggregator) fetchRegionSafe(ctx context.Context, code string) (records []model.AvailabilityRecord, skipped int, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("地域フィードの処理中にpanicが発生しました",
				slog.String("region", code),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			records, skipped = nil, 0
			err = fmt.Errorf("地域 %s の処理中にpanicが発生しました: %v", code, r)
		}
	}()
	return a.FetchRegion(ctx, code)
}
