package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は上流フィードの文字列からマークアップを除去する。
// 会場名や住所は通知メッセージにそのまま埋め込まれるため、
// HTMLタグを全て取り除いたプレーンテキストのみを通過させる。
type TextSanitizer interface {
	// Clean はタグを除去し、エンティティを復元し、空白を正規化した文字列を返す。
	Clean(raw string) string
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizerの実装。
// bluemonday.Policyは並行利用可能。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Clean はマークアップを除去したプレーンテキストを返す。
// StrictPolicyは & などをエスケープするため、最後にエンティティを復元する。
func (s *textSanitizer) Clean(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := s.policy.Sanitize(raw)
	return strings.Join(strings.Fields(html.UnescapeString(stripped)), " ")
}
