package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GreenCappuccino/VaxFinder/internal/model"
)

// syncBuffer はgoroutineから同時に書き込まれるログ用のバッファ。
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

// setTestEnv は一時ディレクトリのSQLiteを使うように環境変数を設定し、DATABASE_URLを返す。
func setTestEnv(t *testing.T) string {
	t.Helper()
	dbURL := "sqlite://" + filepath.Join(t.TempDir(), "vaxfinder.db")
	t.Setenv("DATABASE_URL", dbURL)
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("UPDATE_INTERVAL", "")
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWIML_URL", "")
	t.Setenv("TRACING_ENABLED", "false")
	return dbURL
}

// newGeocodeServer は常に同じ座標を返すNominatim互換のテストサーバーを起動する。
func newGeocodeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("q") == "nowhere" {
			fmt.Fprint(w, `{"type":"FeatureCollection","features":[]}`)
			return
		}
		fmt.Fprint(w, `{"type":"FeatureCollection","features":[{"properties":{"display_name":"Los Angeles, CA"},"geometry":{"type":"Point","coordinates":[-118.2437,34.0522]}}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	dbURL := setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if cfg.DatabaseURL != dbURL {
		t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, dbURL)
	}

	// グローバルロガーがJSON出力に設定されていること
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_RespectsLogLevel(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "warn")

	var buf bytes.Buffer
	if _, err := Init(&buf); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	slog.Default().Info("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("warnレベルではinfoログは出力されないべき: %s", buf.String())
	}
}

func TestInit_WithInvalidConfig_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("UPDATE_INTERVAL", "0s")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for non-positive UPDATE_INTERVAL, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestRun_UnknownCommand_ReturnsError(t *testing.T) {
	setTestEnv(t)

	var out, logs bytes.Buffer
	if err := Run(context.Background(), &out, &logs, []string{"bogus"}); err == nil {
		t.Fatal("未知のサブコマンドはエラーを返すべき")
	}
}

func TestRun_Migrate_CreatesSQLiteDatabase(t *testing.T) {
	setTestEnv(t)

	var out, logs bytes.Buffer
	if err := Run(context.Background(), &out, &logs, []string{"migrate"}); err != nil {
		t.Fatalf("Run(migrate) がエラーを返した: %v\nlogs: %s", err, logs.String())
	}
	if !strings.Contains(logs.String(), "database migrations completed successfully") {
		t.Errorf("完了ログが出力されていない: %s", logs.String())
	}

	// 2回目は適用済みのためエラーにならない
	if err := Run(context.Background(), &out, &logs, []string{"migrate"}); err != nil {
		t.Fatalf("2回目のRun(migrate) がエラーを返した: %v", err)
	}
}

func TestRun_TrackerLifecycle(t *testing.T) {
	setTestEnv(t)
	geo := newGeocodeServer(t)
	t.Setenv("GEOCODE_SERVER", geo.URL+"/")

	ctx := context.Background()
	run := func(args ...string) (string, error) {
		var out, logs bytes.Buffer
		err := Run(ctx, &out, &logs, args)
		return out.String(), err
	}

	out, err := run("tracker", "add",
		"--user", "u1", "--username", "alice",
		"--address", "Los Angeles", "--radius", "25",
		"--target", "https://maker.ifttt.com/trigger/vaccine/with/key/abc",
		"--id", "t1",
	)
	if err != nil {
		t.Fatalf("tracker add がエラーを返した: %v", err)
	}
	if !strings.Contains(out, "tracker t1 added") || !strings.Contains(out, "34.052200") {
		t.Errorf("tracker add の出力 = %q", out)
	}

	out, err = run("tracker", "list", "--user", "u1")
	if err != nil {
		t.Fatalf("tracker list がエラーを返した: %v", err)
	}
	if !strings.Contains(out, "t1") || !strings.Contains(out, "webhook") || !strings.Contains(out, "25") {
		t.Errorf("tracker list の出力 = %q", out)
	}

	if _, err := run("tracker", "add", "--user", "u1", "--address", "nowhere", "--target", "+1 555 123 4567"); !model.HasCode(err, model.ErrCodeValidation) {
		t.Errorf("解決できない住所は VALIDATION_ERROR を返すべき, got %v", err)
	}

	if _, err := run("tracker", "reset", "missing"); !model.HasCode(err, model.ErrCodeNotFound) {
		t.Errorf("存在しないトラッカーのリセットは NOT_FOUND を返すべき, got %v", err)
	}

	out, err = run("tracker", "clear", "--user", "u1")
	if err != nil {
		t.Fatalf("tracker clear がエラーを返した: %v", err)
	}
	if !strings.Contains(out, "removed 1 trackers") {
		t.Errorf("tracker clear の出力 = %q", out)
	}
}

func TestRun_TrackerAdd_RequiresFlags(t *testing.T) {
	setTestEnv(t)

	var out, logs bytes.Buffer
	err := Run(context.Background(), &out, &logs, []string{"tracker", "add", "--user", "u1"})
	if err == nil {
		t.Fatal("必須フラグがない場合はエラーを返すべき")
	}
}

func TestRun_Healthcheck(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	var out, logs bytes.Buffer
	if err := Run(context.Background(), &out, &logs, []string{"healthcheck", "--port", u.Port()}); err != nil {
		t.Errorf("正常なサーバーへのhealthcheckがエラーを返した: %v", err)
	}

	status = http.StatusServiceUnavailable
	t.Setenv("SERVER_PORT", u.Port())
	if err := Run(context.Background(), &out, &logs, []string{"healthcheck"}); err == nil {
		t.Error("503を返すサーバーへのhealthcheckはエラーを返すべき")
	}
}

func TestRun_Worker_StopsOnCancel(t *testing.T) {
	setTestEnv(t)

	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer feedSrv.Close()

	t.Setenv("SERVER_PORT", "0")
	t.Setenv("FEED_BASE_URL", feedSrv.URL)
	t.Setenv("FEED_TIMEOUT", "1s")
	t.Setenv("UPDATE_INTERVAL", "1h")

	ctx, cancel := context.WithCancel(context.Background())
	logs := &syncBuffer{}
	errCh := make(chan error, 1)
	go func() {
		var out bytes.Buffer
		errCh <- Run(ctx, &out, logs, []string{"worker"})
	}()

	// 起動直後のサイクルが地域一覧の取得に失敗するまで待つ
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(logs.String(), "fetch_failed") && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("worker がエラーを返した: %v\nlogs: %s", err, logs.String())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker がキャンセル後に停止しない")
	}

	got := logs.String()
	for _, want := range []string{"worker starting", "fetch_failed", "worker stopped gracefully"} {
		if !strings.Contains(got, want) {
			t.Errorf("ログに %q が含まれていない", want)
		}
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://user:pass@db:5432/vaxfinder?sslmode=disable", "postgres://***@db:5432/vaxfinder?sslmode=disable"},
		{"sqlite://data/vaxfinder.db", "sqlite://data/vaxfinder.db"},
		{"not a url", "***"},
	}
	for _, tt := range tests {
		if got := maskDatabaseURL(tt.in); got != tt.want {
			t.Errorf("maskDatabaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
