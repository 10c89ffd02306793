// Package remote は外部HTTPサービスへのタイムアウト付き呼び出しを提供する。
// フィード取得、ジオコーディング、通知送信の全ての外部呼び出しがこのパッケージを経由する。
// リトライは行わない。次の更新サイクルが実質的なリトライとなる。
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/GreenCappuccino/VaxFinder/internal/model"
)

const (
	// DefaultTimeout は呼び出し単位のデフォルトタイムアウト。
	DefaultTimeout = 10 * time.Second
	// DefaultMaxBodySize はレスポンスボディの最大サイズ（16MB）。
	DefaultMaxBodySize int64 = 16 * 1024 * 1024
	// DefaultUserAgent はリクエストに付与するUser-Agent。
	DefaultUserAgent = "VaxFinder/1.0 (+https://github.com/GreenCappuccino/VaxFinder)"
)

// Options はCallerの設定。ゼロ値のフィールドはデフォルト値で補完される。
type Options struct {
	Timeout     time.Duration
	UserAgent   string
	MaxBodySize int64
}

// Caller はタイムアウト付きのHTTP呼び出しを行う。
// 全ての呼び出しは context.WithTimeout で派生したコンテキストで実行され、
// タイムアウトは TRANSPORT_TIMEOUT、非2xxやネットワーク障害は TRANSPORT_ERROR、
// デコード不能なボディは DATA_SHAPE_ERROR に分類される。
type Caller struct {
	httpClient  *http.Client
	logger      *slog.Logger
	timeout     time.Duration
	userAgent   string
	maxBodySize int64
}

// NewCaller はCallerの新しいインスタンスを生成する。
func NewCaller(httpClient *http.Client, logger *slog.Logger, opts Options) *Caller {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	return &Caller{
		httpClient:  httpClient,
		logger:      logger,
		timeout:     opts.Timeout,
		userAgent:   opts.UserAgent,
		maxBodySize: opts.MaxBodySize,
	}
}

// Timeout は呼び出し単位のタイムアウトを返す。
func (c *Caller) Timeout() time.Duration {
	return c.timeout
}

// GetJSON はGETリクエストを送信し、レスポンスJSONをvにデコードする。
func (c *Caller) GetJSON(ctx context.Context, rawURL string, v any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return model.NewTransportError(rawURL, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	body, _, err := c.do(callCtx, req)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		target := redact(req.URL)
		c.logger.Warn("レスポンスJSONのパースに失敗しました",
			slog.String("url", target),
			slog.String("error", err.Error()),
		)
		return model.NewDataShapeError(target, err)
	}
	return nil
}

// PostJSON はbodyをJSONとしてPOSTし、HTTPステータス文字列を返す。
// レスポンスボディは読み捨てる。
func (c *Caller) PostJSON(ctx context.Context, rawURL string, body any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return "", model.NewTransportError(rawURL, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	_, status, err := c.do(callCtx, req)
	return status, err
}

// PostForm はフォームをBasic認証付きでPOSTし、レスポンスボディとHTTPステータス文字列を返す。
// userが空の場合はBasic認証ヘッダーを付与しない。
func (c *Caller) PostForm(ctx context.Context, rawURL string, form url.Values, user, pass string) ([]byte, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, "", model.NewTransportError(rawURL, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if user != "" {
		req.SetBasicAuth(user, pass)
	}

	return c.do(callCtx, req)
}

// do はリクエストを実行し、ステータス分類とボディの読み取りを行う。
func (c *Caller) do(callCtx context.Context, req *http.Request) ([]byte, string, error) {
	target := redact(req.URL)
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(callCtx, err) {
			c.logger.Warn("外部呼び出しがタイムアウトしました",
				slog.String("url", target),
				slog.Duration("timeout", c.timeout),
			)
			return nil, "", model.NewTransportTimeoutError(target, err)
		}
		c.logger.Warn("外部呼び出しに失敗しました",
			slog.String("url", target),
			slog.String("error", err.Error()),
		)
		return nil, "", model.NewTransportError(target, err)
	}
	defer resp.Body.Close()

	if class := ClassifyHTTPStatus(resp.StatusCode); class != StatusOK {
		c.logger.Warn("外部サービスがエラーステータスを返しました",
			slog.String("url", target),
			slog.Int("http_status", resp.StatusCode),
			slog.String("status_class", class.String()),
		)
		return nil, resp.Status, model.NewTransportError(target,
			fmt.Errorf("ステータス %d を受信しました", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		if isTimeout(callCtx, err) {
			return nil, resp.Status, model.NewTransportTimeoutError(target, err)
		}
		return nil, resp.Status, model.NewTransportError(target, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err))
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, resp.Status, model.NewDataShapeError(target,
			fmt.Errorf("レスポンスサイズが上限を超えています: %d bytes", c.maxBodySize))
	}

	c.logger.Debug("外部呼び出しが完了しました",
		slog.String("url", target),
		slog.Int("http_status", resp.StatusCode),
		slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000.0),
	)
	return body, resp.Status, nil
}

// isTimeout は呼び出しがタイムアウトにより失敗したかを判定する。
func isTimeout(callCtx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// redact はログ出力用にクエリ文字列と認証情報を除いたURLを返す。
func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}
