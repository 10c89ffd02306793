package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GreenCappuccino/VaxFinder/internal/model"
	"github.com/GreenCappuccino/VaxFinder/internal/security"
)

// JSONPoster はJSONボディのPOSTリクエストを行うインターフェース。
// remote.Caller が実装する。
type JSONPoster interface {
	PostJSON(ctx context.Context, rawURL string, body any) (string, error)
}

// webhookPayload はIFTTT Webhooks形式のリクエストボディ。
type webhookPayload struct {
	Value1 string `json:"value1"`
	Value2 string `json:"value2"`
	Value3 string `json:"value3"`
}

// WebhookNotifier はトラッカーに登録されたURLへIFTTT形式のJSONをPOSTする。
type WebhookNotifier struct {
	client JSONPoster
	guard  security.WebhookGuard
	logger *slog.Logger
}

// NewWebhookNotifier はWebhookNotifierの新しいインスタンスを生成する。
// clientにはSSRF防止付きのHTTPクライアントを持つCallerを渡すこと。
func NewWebhookNotifier(client JSONPoster, guard security.WebhookGuard, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		client: client,
		guard:  guard,
		logger: logger,
	}
}

// Notify はマッチ結果をWebhookへ送信し、HTTPステータス文字列を返す。
func (n *WebhookNotifier) Notify(ctx context.Context, result model.MatchResult) (string, error) {
	target := result.Tracker.Target.Value
	if n.guard != nil {
		if err := n.guard.ValidateURL(target); err != nil {
			return "", model.NewValidationError(fmt.Sprintf("Webhook URLが不正です: %v", err))
		}
	}

	msg, err := BuildMessage(result)
	if err != nil {
		return "", err
	}

	status, err := n.client.PostJSON(ctx, target, webhookPayload{Value1: msg})
	if err != nil {
		return status, fmt.Errorf("Webhookの送信に失敗しました: %w", err)
	}

	n.logger.Debug("Webhookを送信しました",
		slog.String("tracker_id", result.Tracker.ID),
		slog.String("status", status),
	)
	return status, nil
}
