package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/GreenCappuccino/VaxFinder/internal/config"
	"github.com/GreenCappuccino/VaxFinder/internal/database"
	"github.com/GreenCappuccino/VaxFinder/internal/feed"
	"github.com/GreenCappuccino/VaxFinder/internal/finder"
	"github.com/GreenCappuccino/VaxFinder/internal/geocode"
	"github.com/GreenCappuccino/VaxFinder/internal/handler"
	"github.com/GreenCappuccino/VaxFinder/internal/logger"
	"github.com/GreenCappuccino/VaxFinder/internal/metrics"
	"github.com/GreenCappuccino/VaxFinder/internal/notify"
	"github.com/GreenCappuccino/VaxFinder/internal/remote"
	"github.com/GreenCappuccino/VaxFinder/internal/repository"
	"github.com/GreenCappuccino/VaxFinder/internal/security"
	"github.com/GreenCappuccino/VaxFinder/internal/tracing"
	"github.com/GreenCappuccino/VaxFinder/internal/tracker"
	"github.com/GreenCappuccino/VaxFinder/internal/worker/cleanup"
	"github.com/GreenCappuccino/VaxFinder/internal/worker/update"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの猶予時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// .envファイルと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの読み込み（既存の環境変数が優先される）
	dotEnvErr := config.LoadDotEnv(".env")

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))
	if dotEnvErr != nil {
		slog.Warn(".envの読み込みに失敗しました", slog.String("error", dotEnvErr.Error()))
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。outにはコマンドの出力、logWにはログを書き出す。
func Run(ctx context.Context, out, logW io.Writer, args []string) error {
	root := newRootCommand(logW)
	root.SetOut(out)
	root.SetErr(logW)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// openStore はDB接続を開き、未適用のマイグレーションを適用する。
func openStore(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newLocator は設定からジオコーダーを構築する。
func newLocator(cfg *config.Config, log *slog.Logger, m metrics.MetricsCollector) *geocode.Locator {
	caller := remote.NewCaller(&http.Client{}, log, remote.Options{
		Timeout:   cfg.GeocodeTimeout,
		UserAgent: cfg.UserAgent,
	})
	return geocode.NewLocator(caller, cfg.GeocodeServer, cfg.GeocodeRatePerSec, log, m)
}

// newTrackerService はトラッカー管理コマンド用のサービスを構築する。
// 返されるcloseはDB接続を閉じる。
func newTrackerService(ctx context.Context, cfg *config.Config) (*tracker.Service, func(), error) {
	log := slog.Default()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	svc := tracker.NewService(
		repository.NewSQLTrackerRepo(db),
		repository.NewSQLUserRepo(db),
		newLocator(cfg, log, nil),
		security.NewWebhookGuard(),
		log,
	)
	return svc, func() { db.Close() }, nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、更新サイクルとキャッシュクリアジョブ、運用HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("database connection established",
		slog.String("dialect", string(db.Dialect)),
	)

	// 2. メトリクスとトレーシング
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector(reg)

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.TracingEnabled,
		ServiceName: cfg.TracingServiceName,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer tracing.Shutdown(context.Background(), shutdownTracing, log)

	// 3. 外部呼び出し
	feedCaller := remote.NewCaller(&http.Client{}, log, remote.Options{
		Timeout:     cfg.FeedTimeout,
		UserAgent:   cfg.UserAgent,
		MaxBodySize: cfg.FeedMaxSize,
	})
	guard := security.NewWebhookGuard()
	webhookCaller := remote.NewCaller(guard.NewSafeClient(cfg.WebhookTimeout), log, remote.Options{
		Timeout:   cfg.WebhookTimeout,
		UserAgent: cfg.UserAgent,
	})

	// 4. ドメインコンポーネント
	locator := newLocator(cfg, log, m)
	aggregator := feed.NewAggregator(feedCaller, cfg.FeedBaseURL, cfg.FeedMaxConcurrent,
		security.NewTextSanitizer(), log, m)
	index := finder.New(log, m)

	var voice notify.Notifier
	if cfg.VoiceEnabled() {
		twilioCaller := remote.NewCaller(&http.Client{}, log, remote.Options{
			Timeout:   cfg.WebhookTimeout,
			UserAgent: cfg.UserAgent,
		})
		voice = notify.NewVoiceNotifier(twilioCaller, notify.VoiceConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
			TwimlURL:   cfg.TwimlURL,
		}, log)
	} else {
		log.Info("Twilioの設定がないため音声通話通知は無効です")
	}
	dispatcher := notify.NewDispatcher(notify.NewWebhookNotifier(webhookCaller, guard, log), voice, log, m)

	orchestrator := update.NewOrchestrator(
		aggregator, index, repository.NewSQLTrackerRepo(db), dispatcher, log, m, nil,
		update.Options{
			MaxConcurrent:   cfg.MatchMaxConcurrent,
			Neighbors:       cfg.FinderNeighbors,
			RequireDelivery: cfg.NotifyRequireDelivery,
		},
	)

	cacheJob := cleanup.NewCacheJob(locator, log)
	cacheJob.Interval = cfg.GeocodeCacheTTL

	// 5. 運用HTTPサーバー
	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker: db,
		CycleReporter: orchestrator,
		IndexStats:    index,
		Gatherer:      reg,
		Logger:        log,
	})
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("ops server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	log.Info("worker starting",
		slog.Duration("update_interval", cfg.UpdateInterval),
		slog.Duration("geocode_cache_ttl", cfg.GeocodeCacheTTL),
		slog.Int("match_max_concurrent", cfg.MatchMaxConcurrent),
		slog.Bool("voice_enabled", cfg.VoiceEnabled()),
	)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		cacheJob.Start(workerCtx)
	}()

	// 更新サイクルをバックグラウンドで実行し、サーバーエラーかキャンセルを待つ
	updateDone := make(chan struct{})
	go func() {
		defer close(updateDone)
		orchestrator.Start(workerCtx, cfg.UpdateInterval)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down worker...")
	case err := <-serverErr:
		runErr = fmt.Errorf("ops server failed: %w", err)
	}

	cancel()
	<-updateDone
	<-done

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server shutdown failed: %w", err)
	}

	if runErr == nil {
		log.Info("worker stopped gracefully")
	}
	return runErr
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
// SQLiteのファイルパスはそのまま返す。
func maskDatabaseURL(url string) string {
	scheme := strings.Index(url, "://")
	if scheme < 0 {
		return "***"
	}
	at := strings.LastIndex(url, "@")
	if at < scheme {
		return url
	}
	return url[:scheme+3] + "***" + url[at:]
}
