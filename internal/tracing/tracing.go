// Package tracing はOpenTelemetryのTracerProviderを初期化する。
package tracing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceName はトレースに付与するサービス名のデフォルト値。
const DefaultServiceName = "vaxfinder"

// ShutdownFunc は未送信のスパンをフラッシュしてプロバイダを停止する。
type ShutdownFunc func(context.Context) error

// Config はトレーシングの設定。
type Config struct {
	Enabled     bool
	ServiceName string
	// Writer はスパンの出力先。nilの場合は標準出力。
	Writer io.Writer
}

// Init はグローバルのTracerProviderを設定する。
// 無効の場合はnoopプロバイダを設定し、何もしないShutdownFuncを返す。
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		logger.Debug("トレーシングは無効です")
		return func(context.Context) error { return nil }, nil
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exp, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithoutTimestamps(),
	)
	if err != nil {
		return nil, fmt.Errorf("トレースエクスポーターの作成に失敗しました: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", name)),
	)
	if err != nil {
		return nil, fmt.Errorf("トレースリソースの作成に失敗しました: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("トレーシングを有効にしました",
		slog.String("exporter", "stdout"),
		slog.String("service_name", name),
	)
	return tp.Shutdown, nil
}

// Shutdown はタイムアウト付きでShutdownFuncを呼び出す。エラーはログに記録するのみ。
func Shutdown(ctx context.Context, shutdown ShutdownFunc, logger *slog.Logger) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("トレーシングの停止に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
