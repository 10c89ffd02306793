// Package tracker はトラッカーの登録・一覧・削除・リセットを提供する。
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/GreenCappuccino/VaxFinder/internal/model"
	"github.com/GreenCappuccino/VaxFinder/internal/notify"
	"github.com/GreenCappuccino/VaxFinder/internal/repository"
)

// Geocoder は住所を座標に解決する。geocode.Locator が実装する。
type Geocoder interface {
	Resolve(ctx context.Context, query string) (*model.Location, error)
}

// URLValidator はWebhook URLを検証する。security.WebhookGuard が実装する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// AddInput はトラッカー登録の入力。
type AddInput struct {
	// ID は省略時にUUIDを採番する。
	ID          string
	UserID      string
	Username    string
	Address     string
	RadiusMiles float64
	// Target はWebhook URLまたは電話番号。
	Target string
	Notes  string
}

// Service はトラッカー管理のサービス層。
type Service struct {
	trackers  repository.TrackerRepository
	users     repository.UserRepository
	geocoder  Geocoder
	validator URLValidator
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	trackers repository.TrackerRepository,
	users repository.UserRepository,
	geocoder Geocoder,
	validator URLValidator,
	logger *slog.Logger,
) *Service {
	return &Service{
		trackers:  trackers,
		users:     users,
		geocoder:  geocoder,
		validator: validator,
		logger:    logger,
	}
}

// Add は住所を解決してトラッカーを登録する。
// 検索半径は0より大きく500マイル以下、通知先はWebhook URLまたは電話番号でなければならない。
func (s *Service) Add(ctx context.Context, in AddInput) (*model.Tracker, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return nil, model.NewValidationError("ユーザーIDが指定されていません")
	}
	address := strings.TrimSpace(in.Address)
	if address == "" {
		return nil, model.NewValidationError("住所が指定されていません")
	}
	if err := validateRadius(in.RadiusMiles); err != nil {
		return nil, err
	}
	target, err := s.normalizeTarget(in.Target)
	if err != nil {
		return nil, err
	}

	loc, err := s.geocoder.Resolve(ctx, address)
	if err != nil {
		if model.HasCode(err, model.ErrCodeNotFound) {
			return nil, model.NewValidationError(fmt.Sprintf("住所に一致する場所が見つかりません: %q", address))
		}
		return nil, fmt.Errorf("住所の解決に失敗しました: %w", err)
	}

	if err := s.users.Upsert(ctx, &model.User{ID: userID, Username: in.Username}); err != nil {
		return nil, fmt.Errorf("ユーザーの登録に失敗しました: %w", err)
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	// 通知文に使うため、住所は入力値ではなくジオコーダーの表示名で保存する
	display := strings.TrimSpace(loc.DisplayName)
	if display == "" {
		display = address
	}
	t := &model.Tracker{
		ID:          id,
		UserID:      userID,
		Address:     display,
		Latitude:    loc.Latitude,
		Longitude:   loc.Longitude,
		RadiusMiles: in.RadiusMiles,
		Notes:       strings.TrimSpace(in.Notes),
		Target:      target,
	}
	if err := s.trackers.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("トラッカーの登録に失敗しました: %w", err)
	}
	// トラッカーは登録済みのため、集計値の更新失敗では登録を失敗扱いにしない
	if err := s.users.IncrementTrackerCount(ctx, userID); err != nil {
		s.logger.Warn("トラッカー数の更新に失敗しました",
			slog.String("tracker_id", t.ID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("トラッカーを登録しました",
		slog.String("tracker_id", t.ID),
		slog.String("user_id", userID),
		slog.String("kind", string(target.Kind)),
		slog.Float64("radius_miles", t.RadiusMiles),
	)
	return t, nil
}

// List はユーザーのトラッカー一覧を返す。
func (s *Service) List(ctx context.Context, userID string) ([]*model.Tracker, error) {
	trackers, err := s.trackers.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("トラッカー一覧の取得に失敗しました: %w", err)
	}
	return trackers, nil
}

// Clear はユーザーの全トラッカーを削除し、トラッカー数を0に戻す。削除件数を返す。
// トラッカー数のリセットに失敗しても削除は取り消さない。
func (s *Service) Clear(ctx context.Context, userID string) (int64, error) {
	n, err := s.trackers.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("トラッカーの削除に失敗しました: %w", err)
	}
	if err := s.users.ResetTrackerCount(ctx, userID); err != nil {
		s.logger.Warn("トラッカー数のリセットに失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("トラッカーを削除しました",
		slog.String("user_id", userID),
		slog.Int64("deleted_count", n),
	)
	return n, nil
}

// Reset はトリガー済みのトラッカーを再び照合対象に戻す。
func (s *Service) Reset(ctx context.Context, trackerID string) error {
	n, err := s.trackers.ResetTriggered(ctx, trackerID)
	if err != nil {
		return fmt.Errorf("トラッカーのリセットに失敗しました: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundError(trackerID)
	}

	s.logger.Info("トラッカーをリセットしました",
		slog.String("tracker_id", trackerID),
	)
	return nil
}

func validateRadius(miles float64) error {
	if math.IsNaN(miles) || math.IsInf(miles, 0) || miles <= 0 || miles > model.MaxRadiusMiles {
		return model.NewValidationError(fmt.Sprintf("検索半径は0より大きく%gマイル以下で指定してください", model.MaxRadiusMiles))
	}
	return nil
}

// normalizeTarget は通知先を判別し、保存用の値に正規化する。
// 電話番号はE.164形式、Webhook URLはSSRF対策の検証を通過したもののみ受け付ける。
func (s *Service) normalizeTarget(raw string) (model.NotificationTarget, error) {
	target := model.ParseNotificationTarget(raw)
	switch target.Kind {
	case model.TargetWebhook:
		if err := s.validator.ValidateURL(target.Value); err != nil {
			return model.NotificationTarget{}, model.NewValidationError(fmt.Sprintf("Webhook URLが不正です: %v", err))
		}
		return target, nil
	case model.TargetVoice:
		phone, err := notify.NormalizePhoneNumber(target.Value)
		if err != nil {
			return model.NotificationTarget{}, err
		}
		return model.NotificationTarget{Kind: model.TargetVoice, Value: phone}, nil
	default:
		return model.NotificationTarget{}, model.NewValidationError("通知先はWebhook URLまたは電話番号で指定してください")
	}
}
