package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GreenCappuccino/VaxFinder/internal/metrics"
	"github.com/GreenCappuccino/VaxFinder/internal/model"
)

// Dispatcher は通知先の種別に応じてNotifierを選択する。
type Dispatcher struct {
	webhook Notifier
	voice   Notifier
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
// nilのNotifierに対応する種別は ErrNotifierDisabled となる。
func NewDispatcher(webhook, voice Notifier, logger *slog.Logger, m metrics.MetricsCollector) *Dispatcher {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Dispatcher{
		webhook: webhook,
		voice:   voice,
		logger:  logger,
		metrics: m,
	}
}

// Notify はトラッカーの通知先種別に対応するNotifierへ配信する。
func (d *Dispatcher) Notify(ctx context.Context, result model.MatchResult) (string, error) {
	kind := result.Tracker.Target.Kind

	var n Notifier
	switch kind {
	case model.TargetWebhook:
		n = d.webhook
	case model.TargetVoice:
		n = d.voice
	default:
		d.metrics.RecordNotification(string(model.TargetUnknown), false)
		return "", model.NewValidationError(fmt.Sprintf("未対応の通知先です: %q", result.Tracker.Target.Value))
	}
	if n == nil {
		d.metrics.RecordNotification(string(kind), false)
		return "", ErrNotifierDisabled
	}

	status, err := n.Notify(ctx, result)
	d.metrics.RecordNotification(string(kind), err == nil)
	if err != nil {
		return status, err
	}

	d.logger.Info("通知を送信しました",
		slog.String("tracker_id", result.Tracker.ID),
		slog.String("kind", string(kind)),
		slog.String("status", status),
	)
	return status, nil
}
