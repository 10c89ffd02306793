package update

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GreenCappuccino/VaxFinder/internal/feed"
	"github.com/GreenCappuccino/VaxFinder/internal/finder"
	"github.com/GreenCappuccino/VaxFinder/internal/metrics"
	"github.com/GreenCappuccino/VaxFinder/internal/model"
	"github.com/GreenCappuccino/VaxFinder/internal/notify"
	"github.com/GreenCappuccino/VaxFinder/internal/remote"
	"github.com/GreenCappuccino/VaxFinder/internal/security"
)

// syncBuffer は複数ゴルーチンからのログ書き込みを保護する。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// --- モック ---

type mockFeed struct {
	fetchAllFunc func(ctx context.Context) ([]model.AvailabilityRecord, []model.RegionFailure, error)
}

func (m *mockFeed) FetchAll(ctx context.Context) ([]model.AvailabilityRecord, []model.RegionFailure, error) {
	return m.fetchAllFunc(ctx)
}

type mockStore struct {
	listActiveFunc    func(ctx context.Context) ([]*model.Tracker, error)
	markTriggeredFunc func(ctx context.Context, id string) (int64, error)
}

func (m *mockStore) ListActive(ctx context.Context) ([]*model.Tracker, error) {
	return m.listActiveFunc(ctx)
}

func (m *mockStore) MarkTriggered(ctx context.Context, id string) (int64, error) {
	return m.markTriggeredFunc(ctx, id)
}

type mockNotifier struct {
	notifyFunc func(ctx context.Context, result model.MatchResult) (string, error)
}

func (m *mockNotifier) Notify(ctx context.Context, result model.MatchResult) (string, error) {
	return m.notifyFunc(ctx, result)
}

// countingMetrics はサイクル関連の呼び出し回数を記録する。
type countingMetrics struct {
	metrics.Noop
	skipped atomic.Int32
	mu      sync.Mutex
	results []string
}

func (c *countingMetrics) RecordCycleSkipped() { c.skipped.Add(1) }

func (c *countingMetrics) RecordCycle(result string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
}

func (c *countingMetrics) lastResult() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.results) == 0 {
		return ""
	}
	return c.results[len(c.results)-1]
}

// --- フィクスチャ ---

var laRecords = []model.AvailabilityRecord{
	{ID: "cvs-1", Latitude: 34.0, Longitude: -118.2, Provider: "CVS", Address: "1 Main St", City: "Los Angeles", State: "CA", PostalCode: "90012", Availability: model.AvailabilityAvailable},
	{ID: "ra-2", Latitude: 34.3, Longitude: -118.2, Provider: "Rite Aid", Availability: model.AvailabilityUnavailable},
}

func staticFeed(records []model.AvailabilityRecord) *mockFeed {
	return &mockFeed{fetchAllFunc: func(ctx context.Context) ([]model.AvailabilityRecord, []model.RegionFailure, error) {
		return records, nil, nil
	}}
}

func tracker(id string, lat, lon, miles float64) *model.Tracker {
	return &model.Tracker{
		ID: id, UserID: "u1", Address: "Somewhere", Latitude: lat, Longitude: lon, RadiusMiles: miles,
		Target: model.NotificationTarget{Kind: model.TargetWebhook, Value: "https://maker.ifttt.com/trigger/x"},
	}
}

// recordingStore はMarkTriggeredされたIDを記録する。
type recordingStore struct {
	mockStore
	mu     sync.Mutex
	marked []string
}

func newRecordingStore(trackers []*model.Tracker) *recordingStore {
	s := &recordingStore{}
	s.listActiveFunc = func(ctx context.Context) ([]*model.Tracker, error) { return trackers, nil }
	s.markTriggeredFunc = func(ctx context.Context, id string) (int64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.marked = append(s.marked, id)
		return 1, nil
	}
	return s
}

func (s *recordingStore) markedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.marked...)
}

func okNotifier(calls *atomic.Int32) *mockNotifier {
	return &mockNotifier{notifyFunc: func(ctx context.Context, result model.MatchResult) (string, error) {
		calls.Add(1)
		return "200 OK", nil
	}}
}

func newTestOrchestrator(f FeedSource, s TrackerStore, n *mockNotifier, w io.Writer, m metrics.MetricsCollector, opts Options) *Orchestrator {
	logger := newTestLogger(w)
	return NewOrchestrator(f, finder.New(logger, nil), s, n, logger, m, nil, opts)
}

// --- テスト ---

func TestRunCycle_MatchesNotifiesAndTriggers(t *testing.T) {
	var buf syncBuffer
	var calls atomic.Int32
	var got model.MatchResult
	var mu sync.Mutex

	store := newRecordingStore([]*model.Tracker{
		tracker("near", 34.01, -118.2, 10),
		tracker("far", 40.7, -74.0, 10),
	})
	notifier := &mockNotifier{notifyFunc: func(ctx context.Context, result model.MatchResult) (string, error) {
		calls.Add(1)
		mu.Lock()
		got = result
		mu.Unlock()
		return "200 OK", nil
	}}
	m := &countingMetrics{}
	o := newTestOrchestrator(staticFeed(laRecords), store, notifier, &buf, m, Options{})

	report, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle がエラーを返した: %v", err)
	}

	if report.RecordsIndexed != 2 {
		t.Errorf("RecordsIndexed = %d, want 2", report.RecordsIndexed)
	}
	if report.TrackersEvaluated != 2 || report.Matches != 1 {
		t.Errorf("TrackersEvaluated = %d, Matches = %d, want 2, 1", report.TrackersEvaluated, report.Matches)
	}
	if report.NotificationsSent != 1 || report.TrackersTriggered != 1 {
		t.Errorf("NotificationsSent = %d, TrackersTriggered = %d, want 1, 1", report.NotificationsSent, report.TrackersTriggered)
	}
	if calls.Load() != 1 {
		t.Errorf("通知回数 = %d, want 1", calls.Load())
	}
	if ids := store.markedIDs(); len(ids) != 1 || ids[0] != "near" {
		t.Errorf("トリガー済みにしたID = %v, want [near]", ids)
	}
	// 空きのない会場は通知に含まれない
	if len(got.Neighbors) != 1 || got.Neighbors[0].Record.ID != "cvs-1" {
		t.Errorf("通知された会場 = %+v, want [cvs-1]", got.Neighbors)
	}
	if report.CycleID == "" {
		t.Error("CycleID が設定されていない")
	}
	if m.lastResult() != metrics.CycleResultOK {
		t.Errorf("サイクル結果 = %q, want %q", m.lastResult(), metrics.CycleResultOK)
	}
	if o.State() != StateIdle {
		t.Errorf("サイクル終了後の状態 = %s, want idle", o.State())
	}
	if last := o.LastReport(); last == nil || last.CycleID != report.CycleID {
		t.Errorf("LastReport = %+v, want cycle %s", last, report.CycleID)
	}
}

func TestRunCycle_ConcurrentCallIsSkipped(t *testing.T) {
	var buf syncBuffer
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once

	f := &mockFeed{fetchAllFunc: func(ctx context.Context) ([]model.AvailabilityRecord, []model.RegionFailure, error) {
		once.Do(func() { close(entered) })
		<-release
		return nil, nil, nil
	}}
	store := newRecordingStore(nil)
	var calls atomic.Int32
	m := &countingMetrics{}
	o := newTestOrchestrator(f, store, okNotifier(&calls), &buf, m, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := o.RunCycle(context.Background())
		done <- err
	}()
	<-entered

	if o.State() != StateRunning {
		t.Fatalf("実行中の状態 = %s, want running", o.State())
	}
	report, err := o.RunCycle(context.Background())
	if !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("2回目の RunCycle は ErrCycleInProgress を返すべき, got %v", err)
	}
	if report != nil {
		t.Errorf("スキップ時のレポートは nil であるべき, got %+v", report)
	}
	if m.skipped.Load() != 1 {
		t.Errorf("スキップ回数 = %d, want 1", m.skipped.Load())
	}
	if !strings.Contains(buf.String(), "前回の更新サイクルが終了していない") {
		t.Errorf("スキップの警告ログが出力されていない: %s", buf.String())
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("1回目の RunCycle がエラーを返した: %v", err)
	}
	if o.State() != StateIdle {
		t.Errorf("状態 = %s, want idle", o.State())
	}

	// 終了後は再び実行できる
	if _, err := o.RunCycle(context.Background()); err != nil {
		t.Errorf("終了後の RunCycle がエラーを返した: %v", err)
	}
}

func TestRunCycle_FetchFailureSkipsMatching(t *testing.T) {
	var buf syncBuffer
	f := &mockFeed{fetchAllFunc: func(ctx context.Context) ([]model.AvailabilityRecord, []model.RegionFailure, error) {
		return nil, nil, model.NewTransportError("states.json", errors.New("connection refused"))
	}}
	listed := false
	store := &mockStore{
		listActiveFunc: func(ctx context.Context) ([]*model.Tracker, error) {
			listed = true
			return nil, nil
		},
		markTriggeredFunc: func(ctx context.Context, id string) (int64, error) { return 1, nil },
	}
	var calls atomic.Int32
	m := &countingMetrics{}
	o := newTestOrchestrator(f, store, okNotifier(&calls), &buf, m, Options{})

	report, err := o.RunCycle(context.Background())
	if err == nil {
		t.Fatal("フィード取得失敗時はエラーを返すべき")
	}
	if !model.HasCode(err, model.ErrCodeTransportError) {
		t.Errorf("エラーコードが保持されていない: %v", err)
	}
	if !report.FetchFailed || report.Error == "" {
		t.Errorf("レポート = %+v, want FetchFailed with error", report)
	}
	if listed {
		t.Error("フィード取得失敗時にトラッカーを読み込むべきではない")
	}
	if calls.Load() != 0 {
		t.Errorf("通知回数 = %d, want 0", calls.Load())
	}
	if m.lastResult() != metrics.CycleResultFetchFailed {
		t.Errorf("サイクル結果 = %q, want %q", m.lastResult(), metrics.CycleResultFetchFailed)
	}
	if o.State() != StateIdle {
		t.Errorf("状態 = %s, want idle", o.State())
	}
}

func TestRunCycle_RegionFailuresAreCounted(t *testing.T) {
	var buf syncBuffer
	f := &mockFeed{fetchAllFunc: func(ctx context.Context) ([]model.AvailabilityRecord, []model.RegionFailure, error) {
		return laRecords, []model.RegionFailure{{Region: model.RegionSummary{Code: "TX"}, Err: errors.New("timeout")}}, nil
	}}
	var calls atomic.Int32
	o := newTestOrchestrator(f, newRecordingStore(nil), okNotifier(&calls), &buf, nil, Options{})

	report, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle がエラーを返した: %v", err)
	}
	if report.RegionsFailed != 1 || report.RecordsIndexed != 2 {
		t.Errorf("RegionsFailed = %d, RecordsIndexed = %d, want 1, 2", report.RegionsFailed, report.RecordsIndexed)
	}
}

func TestRunCycle_TriggeredTrackersAreNotMatched(t *testing.T) {
	var buf syncBuffer
	done := tracker("done", 34.0, -118.2, 10)
	done.Triggered = true
	store := newRecordingStore([]*model.Tracker{done, tracker("active", 34.0, -118.2, 10)})
	var calls atomic.Int32
	o := newTestOrchestrator(staticFeed(laRecords), store, okNotifier(&calls), &buf, nil, Options{})

	report, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle がエラーを返した: %v", err)
	}
	if report.Matches != 1 {
		t.Errorf("Matches = %d, want 1", report.Matches)
	}
	if ids := store.markedIDs(); len(ids) != 1 || ids[0] != "active" {
		t.Errorf("トリガー済みにしたID = %v, want [active]", ids)
	}
}

func TestRunCycle_NotificationFailurePolicy(t *testing.T) {
	failing := func() *mockNotifier {
		return &mockNotifier{notifyFunc: func(ctx context.Context, result model.MatchResult) (string, error) {
			return "500 Internal Server Error", model.NewTransportError("webhook", errors.New("500"))
		}}
	}

	t.Run("配信を必須としない場合はトリガー済みにする", func(t *testing.T) {
		var buf syncBuffer
		store := newRecordingStore([]*model.Tracker{tracker("t1", 34.0, -118.2, 5)})
		o := newTestOrchestrator(staticFeed(laRecords), store, failing(), &buf, nil, Options{})

		report, err := o.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("RunCycle がエラーを返した: %v", err)
		}
		if report.NotificationsFailed != 1 || report.TrackersTriggered != 1 {
			t.Errorf("NotificationsFailed = %d, TrackersTriggered = %d, want 1, 1", report.NotificationsFailed, report.TrackersTriggered)
		}
		if len(store.markedIDs()) != 1 {
			t.Errorf("MarkTriggered の呼び出し = %v, want [t1]", store.markedIDs())
		}
		if !strings.Contains(buf.String(), "通知の送信に失敗しました") {
			t.Error("通知失敗のログが出力されていない")
		}
	})

	t.Run("配信を必須とする場合はトリガー済みにしない", func(t *testing.T) {
		var buf syncBuffer
		store := newRecordingStore([]*model.Tracker{tracker("t1", 34.0, -118.2, 5)})
		o := newTestOrchestrator(staticFeed(laRecords), store, failing(), &buf, nil, Options{RequireDelivery: true})

		report, err := o.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("RunCycle がエラーを返した: %v", err)
		}
		if report.TrackersTriggered != 0 {
			t.Errorf("TrackersTriggered = %d, want 0", report.TrackersTriggered)
		}
		if len(store.markedIDs()) != 0 {
			t.Errorf("MarkTriggered を呼ぶべきではない, got %v", store.markedIDs())
		}
	})
}

func TestRunCycle_MarkTriggeredZeroRowsWarns(t *testing.T) {
	var buf syncBuffer
	store := &mockStore{
		listActiveFunc: func(ctx context.Context) ([]*model.Tracker, error) {
			return []*model.Tracker{tracker("gone", 34.0, -118.2, 5)}, nil
		},
		markTriggeredFunc: func(ctx context.Context, id string) (int64, error) { return 0, nil },
	}
	var calls atomic.Int32
	o := newTestOrchestrator(staticFeed(laRecords), store, okNotifier(&calls), &buf, nil, Options{})

	report, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle がエラーを返した: %v", err)
	}
	if report.TrackersTriggered != 0 {
		t.Errorf("TrackersTriggered = %d, want 0", report.TrackersTriggered)
	}
	out := buf.String()
	if !strings.Contains(out, "トリガー対象のトラッカーが見つかりません") || !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("0件更新の警告ログが出力されていない: %s", out)
	}
}

func TestRunCycle_TrackerLoadFailureAbortsCycle(t *testing.T) {
	var buf syncBuffer
	store := &mockStore{
		listActiveFunc: func(ctx context.Context) ([]*model.Tracker, error) {
			return nil, model.NewPersistenceError("list active trackers", errors.New("database is locked"))
		},
		markTriggeredFunc: func(ctx context.Context, id string) (int64, error) { return 1, nil },
	}
	var calls atomic.Int32
	m := &countingMetrics{}
	o := newTestOrchestrator(staticFeed(laRecords), store, okNotifier(&calls), &buf, m, Options{})

	report, err := o.RunCycle(context.Background())
	if !model.HasCode(err, model.ErrCodePersistence) {
		t.Fatalf("PERSISTENCE_ERROR を返すべき, got %v", err)
	}
	if report.RecordsIndexed != 2 {
		t.Errorf("インデックスは再構築されているべき: RecordsIndexed = %d", report.RecordsIndexed)
	}
	if m.lastResult() != metrics.CycleResultError {
		t.Errorf("サイクル結果 = %q, want %q", m.lastResult(), metrics.CycleResultError)
	}
}

func TestRunCycle_PanicIsRecovered(t *testing.T) {
	var buf syncBuffer
	f := &mockFeed{fetchAllFunc: func(ctx context.Context) ([]model.AvailabilityRecord, []model.RegionFailure, error) {
		panic("unexpected nil map")
	}}
	var calls atomic.Int32
	o := newTestOrchestrator(f, newRecordingStore(nil), okNotifier(&calls), &buf, nil, Options{})

	report, err := o.RunCycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("panicはエラーとして返すべき, got %v", err)
	}
	if report == nil || report.Error == "" {
		t.Errorf("レポートにエラーが記録されていない: %+v", report)
	}
	if o.State() != StateIdle {
		t.Errorf("panic後の状態 = %s, want idle", o.State())
	}
}

func TestRunCycle_NotifierPanicIsContainedPerTracker(t *testing.T) {
	var buf syncBuffer
	store := newRecordingStore([]*model.Tracker{
		tracker("boom", 34.0, -118.2, 10),
		tracker("ok", 34.01, -118.2, 10),
	})
	notifier := &mockNotifier{notifyFunc: func(ctx context.Context, result model.MatchResult) (string, error) {
		if result.Tracker.ID == "boom" {
			var statuses map[string]int
			statuses[result.Tracker.ID] = 1
		}
		return "200 OK", nil
	}}
	o := newTestOrchestrator(staticFeed(laRecords), store, notifier, &buf, nil, Options{})

	done := make(chan struct{})
	var report *model.CycleReport
	var err error
	go func() {
		defer close(done)
		report, err = o.RunCycle(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("通知中のpanic後にRunCycleが戻らない")
	}

	if err != nil {
		t.Fatalf("1件のpanicでサイクル全体を失敗させるべきではない: %v", err)
	}
	if report.NotificationsSent != 1 || report.NotificationsFailed != 1 {
		t.Errorf("NotificationsSent = %d, NotificationsFailed = %d, want 1, 1", report.NotificationsSent, report.NotificationsFailed)
	}
	// 配信を必須としないため、失敗扱いのトラッカーもトリガー済みになる
	if report.TrackersTriggered != 2 {
		t.Errorf("TrackersTriggered = %d, want 2", report.TrackersTriggered)
	}
	if o.State() != StateIdle {
		t.Errorf("panic後の状態 = %s, want idle", o.State())
	}
	out := buf.String()
	if !strings.Contains(out, "トラッカーの処理中にpanicが発生しました") || !strings.Contains(out, `"tracker_id":"boom"`) {
		t.Errorf("panicのログにtracker_idが含まれていない: %s", out)
	}
}

// panicIndex は特定のトラッカー位置の検索でpanicする。
type panicIndex struct {
	*finder.Finder
	panicLat float64
}

func (p *panicIndex) Query(lat, lon, radiusKm float64, pred finder.Predicate, k int) ([]model.Neighbor, error) {
	if lat == p.panicLat {
		panic("index corrupted")
	}
	return p.Finder.Query(lat, lon, radiusKm, pred, k)
}

func TestRunCycle_QueryPanicCountsAsTrackerError(t *testing.T) {
	var buf syncBuffer
	logger := newTestLogger(&buf)
	store := newRecordingStore([]*model.Tracker{
		tracker("boom", 35.5, -118.2, 10),
		tracker("ok", 34.01, -118.2, 10),
	})
	var calls atomic.Int32
	idx := &panicIndex{Finder: finder.New(logger, nil), panicLat: 35.5}
	o := NewOrchestrator(staticFeed(laRecords), idx, store, okNotifier(&calls), logger, nil, nil, Options{})

	report, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle がエラーを返した: %v", err)
	}
	if report.TrackerErrors != 1 || report.Matches != 1 {
		t.Errorf("TrackerErrors = %d, Matches = %d, want 1, 1", report.TrackerErrors, report.Matches)
	}
	if ids := store.markedIDs(); len(ids) != 1 || ids[0] != "ok" {
		t.Errorf("トリガー済みにしたID = %v, want [ok]", ids)
	}
	if o.State() != StateIdle {
		t.Errorf("panic後の状態 = %s, want idle", o.State())
	}
}

func TestStart_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf syncBuffer
	var fetches atomic.Int32
	f := &mockFeed{fetchAllFunc: func(ctx context.Context) ([]model.AvailabilityRecord, []model.RegionFailure, error) {
		fetches.Add(1)
		return nil, nil, nil
	}}
	var calls atomic.Int32
	o := newTestOrchestrator(f, newRecordingStore(nil), okNotifier(&calls), &buf, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		o.Start(ctx, 20*time.Millisecond)
		close(stopped)
	}()

	deadline := time.After(2 * time.Second)
	for fetches.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("サイクルが定期実行されていない: fetches = %d", fetches.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後に Start が終了しない")
	}
	if !strings.Contains(buf.String(), "更新ワーカーを停止しました") {
		t.Error("停止ログが出力されていない")
	}
}

// 地域一覧にCAとTXがあり、TXがタイムアウトする場合でも
// CAの会場に対するトラッカーが1件マッチする。
func TestRunCycle_EndToEndWithRegionTimeout(t *testing.T) {
	const states = `[{"code":"CA","name":"California"},{"code":"TX","name":"Texas"}]`
	const ca = `{"type":"FeatureCollection","features":[
	  {"type":"Feature","geometry":{"type":"Point","coordinates":[-118.2,34.0]},
	   "properties":{"id":1,"provider":"CVS","name":"CVS 1","address":"1 Main St","city":"Los Angeles","state":"CA","postal_code":"90012","appointments_available":true}}]}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/states.json":
			io.WriteString(w, states)
		case "/states/CA.json":
			io.WriteString(w, ca)
		case "/states/TX.json":
			<-r.Context().Done()
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	var buf syncBuffer
	logger := newTestLogger(&buf)
	caller := remote.NewCaller(server.Client(), logger, remote.Options{Timeout: 100 * time.Millisecond})
	agg := feed.NewAggregator(caller, server.URL, 4, security.NewTextSanitizer(), logger, nil)

	store := newRecordingStore([]*model.Tracker{
		tracker("la", 34.02, -118.21, 5),
		tracker("houston", 29.76, -95.37, 50),
	})
	var sent []string
	var mu sync.Mutex
	notifier := &mockNotifier{notifyFunc: func(ctx context.Context, result model.MatchResult) (string, error) {
		msg, err := notify.BuildMessage(result)
		mu.Lock()
		sent = append(sent, msg)
		mu.Unlock()
		return "200 OK", err
	}}

	o := NewOrchestrator(agg, finder.New(logger, nil), store, notifier, logger, nil, nil, Options{})
	report, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle がエラーを返した: %v", err)
	}
	if report.RegionsFailed != 1 || report.RecordsIndexed != 1 {
		t.Errorf("RegionsFailed = %d, RecordsIndexed = %d, want 1, 1", report.RegionsFailed, report.RecordsIndexed)
	}
	if report.Matches != 1 || report.TrackersTriggered != 1 {
		t.Errorf("Matches = %d, TrackersTriggered = %d, want 1, 1", report.Matches, report.TrackersTriggered)
	}
	if ids := store.markedIDs(); len(ids) != 1 || ids[0] != "la" {
		t.Errorf("トリガー済みにしたID = %v, want [la]", ids)
	}
	if len(sent) != 1 || !strings.Contains(sent[0], "CVS at 1 Main St, Los Angeles, in state code CA") {
		t.Errorf("通知メッセージ = %v", sent)
	}
}
