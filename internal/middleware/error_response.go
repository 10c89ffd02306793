package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/GreenCappuccino/VaxFinder/internal/model"
)

// ErrorResponseBody は運用エンドポイントのエラーレスポンス形式。
// model.CoreError のコード、メッセージ、カテゴリをそのまま公開し、ラップ元のエラーは含めない。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

// WriteJSON はvをJSONとして書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrorResponse はエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, body ErrorResponseBody) {
	WriteJSON(w, statusCode, body)
}

// WriteCoreError はCoreErrorをエラーレスポンスとして書き込む。
func WriteCoreError(w http.ResponseWriter, statusCode int, err *model.CoreError) {
	WriteErrorResponse(w, statusCode, ErrorResponseBody{
		Code:     err.Code,
		Message:  err.Message,
		Category: err.Category,
	})
}

// WriteInternalServerError は500の汎用レスポンスを書き込む。詳細はログにのみ残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, ErrorResponseBody{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
	})
}
