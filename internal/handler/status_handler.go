// Package handler は運用向けHTTPエンドポイント（ヘルスチェック、メトリクス、稼働状況）を提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/GreenCappuccino/VaxFinder/internal/middleware"
	"github.com/GreenCappuccino/VaxFinder/internal/model"
)

// HealthChecker はデータベースの疎通確認を行う。*database.DB が実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// CycleReporter は直近の更新サイクルの結果を返す。update.Orchestrator が実装する。
type CycleReporter interface {
	LastReport() *model.CycleReport
}

// IndexStats は空間インデックスの状態を返す。finder.Finder が実装する。
type IndexStats interface {
	Size() int
	BuiltAt() time.Time
}

// statusResponse は GET /status のレスポンス。
type statusResponse struct {
	State          string             `json:"state"`
	IndexedRecords int                `json:"indexed_records"`
	IndexBuiltAt   *time.Time         `json:"index_built_at,omitempty"`
	LastCycle      *model.CycleReport `json:"last_cycle,omitempty"`
}

// StatusHandler はヘルスチェックと稼働状況のハンドラー。
type StatusHandler struct {
	db       HealthChecker
	reporter CycleReporter
	index    IndexStats
	logger   *slog.Logger
}

// NewStatusHandler はStatusHandlerの新しいインスタンスを生成する。
func NewStatusHandler(db HealthChecker, reporter CycleReporter, index IndexStats, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{db: db, reporter: reporter, index: index, logger: logger}
}

// Health は GET /health を処理する。データベースに接続できない場合は503を返す。
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Error("ヘルスチェックに失敗しました",
			slog.String("error", err.Error()),
		)
		middleware.WriteCoreError(w, http.StatusServiceUnavailable, model.NewPersistenceError("ping", err))
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status は GET /status を処理する。直近のサイクル結果とインデックス件数を返す。
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{State: "starting"}

	if h.index != nil {
		resp.IndexedRecords = h.index.Size()
		if built := h.index.BuiltAt(); !built.IsZero() {
			resp.IndexBuiltAt = &built
		}
	}
	if h.reporter != nil {
		if last := h.reporter.LastReport(); last != nil {
			resp.LastCycle = last
			resp.State = "ok"
			if last.Error != "" {
				resp.State = "degraded"
			}
		}
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}
