// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// CoreError はパイプライン内部の統一エラーフォーマットを表す。
// ログに出力する原因カテゴリと、ラップ元のエラーを保持する。
type CoreError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: transport, data, persistence, validation
	Err      error  // ラップ元のエラー（nil可）
}

// Error はerrorインターフェースを実装する。
func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap はラップ元のエラーを返す。
func (e *CoreError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeTransportTimeout = "TRANSPORT_TIMEOUT"
	ErrCodeTransportError   = "TRANSPORT_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeDataShape        = "DATA_SHAPE_ERROR"
	ErrCodePersistence      = "PERSISTENCE_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
)

// HasCode はエラーチェーン中に指定コードのCoreErrorが含まれるかを判定する。
func HasCode(err error, code string) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// NewTransportTimeoutError は外部呼び出しのタイムアウトエラーを生成する。
func NewTransportTimeoutError(target string, err error) *CoreError {
	return &CoreError{
		Code:     ErrCodeTransportTimeout,
		Message:  fmt.Sprintf("外部呼び出しがタイムアウトしました: %s", target),
		Category: "transport",
		Err:      err,
	}
}

// NewTransportError は外部呼び出しの失敗（非2xxまたはネットワーク障害）エラーを生成する。
func NewTransportError(target string, err error) *CoreError {
	return &CoreError{
		Code:     ErrCodeTransportError,
		Message:  fmt.Sprintf("外部呼び出しに失敗しました: %s", target),
		Category: "transport",
		Err:      err,
	}
}

// NewNotFoundError は検索結果が0件の場合のエラーを生成する。
func NewNotFoundError(query string) *CoreError {
	return &CoreError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("該当する結果が見つかりません: %s", query),
		Category: "data",
	}
}

// NewDataShapeError は上流レスポンスの形式不正エラーを生成する。
func NewDataShapeError(target string, err error) *CoreError {
	return &CoreError{
		Code:     ErrCodeDataShape,
		Message:  fmt.Sprintf("レスポンスの形式が不正です: %s", target),
		Category: "data",
		Err:      err,
	}
}

// NewPersistenceError はストアの読み書き失敗エラーを生成する。
func NewPersistenceError(op string, err error) *CoreError {
	return &CoreError{
		Code:     ErrCodePersistence,
		Message:  fmt.Sprintf("永続化処理に失敗しました: %s", op),
		Category: "persistence",
		Err:      err,
	}
}

// NewValidationError は入力値の検証エラーを生成する。
func NewValidationError(reason string) *CoreError {
	return &CoreError{
		Code:     ErrCodeValidation,
		Message:  reason,
		Category: "validation",
	}
}
