// Package update は定期的な更新サイクル（フィード取得 → インデックス再構築 →
// トラッカー照合 → 通知とトリガー状態の永続化）を実行する。
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GreenCappuccino/VaxFinder/internal/finder"
	"github.com/GreenCappuccino/VaxFinder/internal/metrics"
	"github.com/GreenCappuccino/VaxFinder/internal/model"
	"github.com/GreenCappuccino/VaxFinder/internal/notify"
)

const tracerName = "github.com/GreenCappuccino/VaxFinder/internal/worker/update"

// DefaultMaxConcurrent はトラッカー照合・通知の同時実行数のデフォルト値。
const DefaultMaxConcurrent = 32

// ErrCycleInProgress は前回のサイクルが実行中のためスキップされたことを示す。
var ErrCycleInProgress = errors.New("前回の更新サイクルが実行中です")

// State はオーケストレーターの状態。
type State int32

const (
	// StateIdle はサイクルを実行していない状態。
	StateIdle State = iota
	// StateRunning はサイクルを実行中の状態。
	StateRunning
)

// String はログ出力用の文字列表現を返す。
func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// FeedSource は全地域のレコードを取得する。feed.Aggregator が実装する。
type FeedSource interface {
	FetchAll(ctx context.Context) ([]model.AvailabilityRecord, []model.RegionFailure, error)
}

// Index は空間インデックス。finder.Finder が実装する。
type Index interface {
	Rebuild(records []model.AvailabilityRecord) int
	Query(lat, lon, radiusKm float64, pred finder.Predicate, k int) ([]model.Neighbor, error)
}

// TrackerStore はサイクル中に使用するトラッカーの読み書き。
type TrackerStore interface {
	ListActive(ctx context.Context) ([]*model.Tracker, error)
	MarkTriggered(ctx context.Context, id string) (int64, error)
}

// Options はOrchestratorの動作設定。
type Options struct {
	// MaxConcurrent はトラッカー照合・通知の同時実行数。
	MaxConcurrent int
	// Neighbors は1トラッカーあたりの最大検索件数。
	Neighbors int
	// RequireDelivery がtrueの場合、通知に失敗したトラッカーはトリガー済みにしない。
	// 次のサイクルで再通知されるため重複通知の可能性がある。
	RequireDelivery bool
}

// Orchestrator は更新サイクルを直列化して実行する。
// 状態はIdle/Runningの2値で、CASにより同時に1サイクルのみ実行される。
// 実行中に要求されたサイクルは待機せずにスキップされる。
type Orchestrator struct {
	feed     FeedSource
	index    Index
	store    TrackerStore
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	tracer   trace.Tracer
	opts     Options

	state atomic.Int32
	last  atomic.Pointer[model.CycleReport]
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
// tracerがnilの場合はグローバルのTracerProviderを使用する。
func NewOrchestrator(
	feed FeedSource,
	index Index,
	store TrackerStore,
	notifier notify.Notifier,
	logger *slog.Logger,
	m metrics.MetricsCollector,
	tracer trace.Tracer,
	opts Options,
) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Neighbors <= 0 {
		opts.Neighbors = finder.DefaultNeighbors
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Orchestrator{
		feed:     feed,
		index:    index,
		store:    store,
		notifier: notifier,
		logger:   logger,
		metrics:  m,
		tracer:   tracer,
		opts:     opts,
	}
}

// State は現在の状態を返す。
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// LastReport は直近に完了したサイクルのレポートを返す。未実行の場合はnil。
func (o *Orchestrator) LastReport() *model.CycleReport {
	r := o.last.Load()
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Start は指定間隔のティッカーで更新サイクルを起動する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで継続する。
// 各発火は別ゴルーチンで実行されるため、長引いたサイクルがティッカーを止めることはなく、
// 重なった発火はRunCycle側でスキップとして記録される。
func (o *Orchestrator) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("更新ワーカーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", o.opts.MaxConcurrent),
		slog.Bool("require_delivery", o.opts.RequireDelivery),
	)

	var wg sync.WaitGroup
	fire := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
				o.logger.Error("更新サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	fire()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			o.logger.Info("更新ワーカーを停止しました")
			return
		case <-ticker.C:
			fire()
		}
	}
}

// RunCycle は1回の更新サイクルを実行する。
// 実行中のサイクルがある場合は ErrCycleInProgress を即座に返す。
// 地域一覧の取得失敗とトラッカー一覧の読み込み失敗のみがサイクルを中断する。
// サイクル内のpanicは回復してエラーとして返し、状態は必ずIdleに戻る。
func (o *Orchestrator) RunCycle(ctx context.Context) (report *model.CycleReport, err error) {
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		o.logger.Warn("前回の更新サイクルが終了していないため、新しいサイクルを開始しません")
		o.metrics.RecordCycleSkipped()
		return nil, ErrCycleInProgress
	}
	defer o.state.Store(int32(StateIdle))

	start := time.Now()
	report = &model.CycleReport{CycleID: uuid.NewString(), StartedAt: start}
	logger := o.logger.With(slog.String("cycle_id", report.CycleID))
	result := metrics.CycleResultOK

	ctx, span := o.tracer.Start(ctx, "update.cycle",
		trace.WithAttributes(attribute.String("cycle_id", report.CycleID)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("更新サイクルでpanicが発生しました: %v", r)
			logger.Error("更新サイクルでpanicが発生しました",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = metrics.CycleResultError
		}
		if err != nil {
			report.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		duration := time.Since(start)
		report.DurationMs = float64(duration.Milliseconds())
		o.last.Store(report)
		o.metrics.RecordCycle(result, duration)

		logger.Info("更新サイクルが完了しました",
			slog.String("result", result),
			slog.Int("records", report.RecordsIndexed),
			slog.Int("failed_regions", report.RegionsFailed),
			slog.Int("trackers", report.TrackersEvaluated),
			slog.Int("matches", report.Matches),
			slog.Int("notifications_sent", report.NotificationsSent),
			slog.Int("notifications_failed", report.NotificationsFailed),
			slog.Int("triggered", report.TrackersTriggered),
			slog.Float64("duration_ms", report.DurationMs),
		)
	}()

	logger.Debug("更新サイクルを開始します")

	// 1. フィード取得
	records, failures, err := o.fetch(ctx)
	if err != nil {
		report.FetchFailed = true
		result = metrics.CycleResultFetchFailed
		logger.Error("接種会場データの集約に失敗しました",
			slog.String("error", err.Error()),
		)
		return report, fmt.Errorf("接種会場データの集約に失敗しました: %w", err)
	}
	report.RegionsFailed = len(failures)

	// 2. インデックス再構築
	report.RecordsIndexed = o.rebuild(ctx, records)

	// 3. アクティブなトラッカーの読み込み
	trackers, err := o.store.ListActive(ctx)
	if err != nil {
		result = metrics.CycleResultError
		logger.Error("トラッカーの読み込みに失敗しました",
			slog.String("error", err.Error()),
		)
		return report, fmt.Errorf("トラッカーの読み込みに失敗しました: %w", err)
	}
	report.TrackersEvaluated = len(trackers)

	// 4. 照合
	matches, trackerErrors := o.match(ctx, logger, trackers)
	report.Matches = len(matches)
	report.TrackerErrors = trackerErrors

	// 5. 通知とトリガー状態の永続化
	sent, failed, triggered := o.notifyAndMark(ctx, logger, matches)
	report.NotificationsSent = sent
	report.NotificationsFailed = failed
	report.TrackersTriggered = triggered
	o.metrics.RecordTrackersTriggered(triggered)

	return report, nil
}

func (o *Orchestrator) fetch(ctx context.Context) ([]model.AvailabilityRecord, []model.RegionFailure, error) {
	ctx, span := o.tracer.Start(ctx, "feed.fetch_all")
	defer span.End()

	records, failures, err := o.feed.FetchAll(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	span.SetAttributes(
		attribute.Int("records", len(records)),
		attribute.Int("failed_regions", len(failures)),
	)
	return records, failures, nil
}

func (o *Orchestrator) rebuild(ctx context.Context, records []model.AvailabilityRecord) int {
	_, span := o.tracer.Start(ctx, "finder.rebuild")
	defer span.End()

	n := o.index.Rebuild(records)
	span.SetAttributes(attribute.Int("indexed", n))
	return n
}

// match は全トラッカーを並列に照合し、半径内に空きのある会場が見つかったものを返す。
// トラッカー単位のエラーはログに記録し、件数のみを返す。
func (o *Orchestrator) match(ctx context.Context, logger *slog.Logger, trackers []*model.Tracker) ([]model.MatchResult, int) {
	_, span := o.tracer.Start(ctx, "trackers.match")
	defer span.End()

	var (
		mu      sync.Mutex
		matches []model.MatchResult
		errs    int
	)

	sem := make(chan struct{}, o.opts.MaxConcurrent)
	var wg sync.WaitGroup

	for _, tracker := range trackers {
		if tracker == nil || tracker.Triggered {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(t *model.Tracker) {
			defer wg.Done()
			defer func() { <-sem }()

			var neighbors []model.Neighbor
			err := guard(logger, "trackers.match", t.ID, func() (err error) {
				neighbors, err = o.index.Query(t.Latitude, t.Longitude, t.RadiusKm(), finder.IsAvailable, o.opts.Neighbors)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs++
				logger.Error("トラッカーの照合に失敗しました",
					slog.String("tracker_id", t.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			if len(neighbors) > 0 {
				matches = append(matches, model.MatchResult{Tracker: *t, Neighbors: neighbors})
			}
		}(tracker)
	}

	wg.Wait()

	span.SetAttributes(
		attribute.Int("trackers", len(trackers)),
		attribute.Int("matches", len(matches)),
	)
	logger.Debug("トラッカーの照合が完了しました",
		slog.Int("trackers", len(trackers)),
		slog.Int("matches", len(matches)),
		slog.Int("errors", errs),
	)
	return matches, errs
}

// notifyAndMark は各マッチを通知し、トラッカーをトリガー済みにする。
// RequireDeliveryがfalseの場合、通知の成否に関わらずトリガー済みにする。
func (o *Orchestrator) notifyAndMark(ctx context.Context, logger *slog.Logger, matches []model.MatchResult) (sent, failed, triggered int) {
	ctx, span := o.tracer.Start(ctx, "trackers.notify")
	defer span.End()

	var mu sync.Mutex
	sem := make(chan struct{}, o.opts.MaxConcurrent)
	var wg sync.WaitGroup

	for _, m := range matches {
		wg.Add(1)
		sem <- struct{}{}

		go func(m model.MatchResult) {
			defer wg.Done()
			defer func() { <-sem }()

			id := m.Tracker.ID
			delivered := true
			var status string
			err := guard(logger, "trackers.notify", id, func() (err error) {
				status, err = o.notifier.Notify(ctx, m)
				return err
			})
			if err != nil {
				delivered = false
				logger.Error("通知の送信に失敗しました",
					slog.String("tracker_id", id),
					slog.String("kind", string(m.Tracker.Target.Kind)),
					slog.String("status", status),
					slog.String("error", err.Error()),
				)
			}

			mu.Lock()
			if delivered {
				sent++
			} else {
				failed++
			}
			mu.Unlock()

			if !delivered && o.opts.RequireDelivery {
				logger.Warn("通知に失敗したため、トラッカーをトリガー済みにしません",
					slog.String("tracker_id", id),
				)
				return
			}

			var n int64
			err = guard(logger, "trackers.mark", id, func() (err error) {
				n, err = o.store.MarkTriggered(ctx, id)
				return err
			})
			if err != nil {
				logger.Error("トラッカーのトリガー状態の更新に失敗しました",
					slog.String("tracker_id", id),
					slog.String("error", err.Error()),
				)
				return
			}
			if n == 0 {
				logger.Warn("トリガー対象のトラッカーが見つかりません",
					slog.String("tracker_id", id),
				)
				return
			}

			mu.Lock()
			triggered++
			mu.Unlock()
		}(m)
	}

	wg.Wait()

	span.SetAttributes(
		attribute.Int("sent", sent),
		attribute.Int("failed", failed),
		attribute.Int("triggered", triggered),
	)
	return sent, failed, triggered
}

// guard はトラッカー単位の処理fnを実行し、panicをエラーに変換する。
// 1件のトラッカーのpanicがサイクル全体やプロセスを止めないようにする。
func guard(logger *slog.Logger, stage, trackerID string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("トラッカーの処理中にpanicが発生しました",
				slog.String("stage", stage),
				slog.String("tracker_id", trackerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%s: panic: %v", stage, r)
		}
	}()
	return fn()
}
