package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRecoveryMiddleware はハンドラー内のpanicを回収し、500を返すミドルウェアを生成する。
// http.ErrAbortHandler は接続の中断を意味するため再送出してnet/httpに任せる。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("panic", rec),
					slog.String("route", r.Method+" "+r.URL.Path),
					slog.String("request_id", chimw.GetReqID(r.Context())),
					slog.String("stack", string(debug.Stack())),
				)
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// NewOpsHeadersMiddleware は運用エンドポイントの応答に共通ヘッダーを付与する。
// 応答はJSONかPrometheusのテキスト形式のみで、どの経路でもキャッシュさせない。
func NewOpsHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := chimw.NoCache(next)
		h = chimw.SetHeader("X-Frame-Options", "DENY")(h)
		return chimw.SetHeader("X-Content-Type-Options", "nosniff")(h)
	}
}
