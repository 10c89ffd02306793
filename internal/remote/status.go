package remote

// StatusClass はHTTPステータスコードの分類。
type StatusClass int

const (
	// StatusOK は2xx。
	StatusOK StatusClass = iota
	// StatusNotFound は404/410。
	StatusNotFound
	// StatusUnauthorized は401/403。
	StatusUnauthorized
	// StatusRateLimited は429。
	StatusRateLimited
	// StatusServerError は5xx。
	StatusServerError
	// StatusUnknown はそれ以外のステータスコード。
	StatusUnknown
)

// String はログ出力用の文字列表現を返す。
func (s StatusClass) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusRateLimited:
		return "rate_limited"
	case StatusServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// ClassifyHTTPStatus はHTTPステータスコードを分類する。
// StatusOK 以外は全て TRANSPORT_ERROR として扱われる。
func ClassifyHTTPStatus(statusCode int) StatusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusOK
	case statusCode == 404 || statusCode == 410:
		return StatusNotFound
	case statusCode == 401 || statusCode == 403:
		return StatusUnauthorized
	case statusCode == 429:
		return StatusRateLimited
	case statusCode >= 500:
		return StatusServerError
	default:
		return StatusUnknown
	}
}
