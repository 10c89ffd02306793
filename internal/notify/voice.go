package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/GreenCappuccino/VaxFinder/internal/model"
)

const (
	// DefaultTwilioAPIBase はTwilio REST APIのベースURL。
	DefaultTwilioAPIBase = "https://api.twilio.com"
	// DefaultFromNumber は発信元の電話番号のデフォルト値。
	DefaultFromNumber = "+13236132810"
)

// FormPoster はBasic認証付きのフォームPOSTを行うインターフェース。
// remote.Caller が実装する。
type FormPoster interface {
	PostForm(ctx context.Context, rawURL string, form url.Values, user, pass string) ([]byte, string, error)
}

// VoiceConfig は音声通話通知の設定。
type VoiceConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	TwimlURL   string
	APIBase    string
}

// Enabled は音声通話に必要な設定が揃っているかを返す。
func (c VoiceConfig) Enabled() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.TwimlURL != ""
}

// callResponse はCalls.jsonのレスポンスのうち使用する部分。
type callResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// VoiceNotifier はTwilio REST APIで音声通話を発信する。
// 読み上げるメッセージはTwiMLエンドポイントのクエリパラメータとして渡す。
type VoiceNotifier struct {
	client FormPoster
	cfg    VoiceConfig
	logger *slog.Logger
}

// NewVoiceNotifier はVoiceNotifierの新しいインスタンスを生成する。
func NewVoiceNotifier(client FormPoster, cfg VoiceConfig, logger *slog.Logger) *VoiceNotifier {
	if cfg.FromNumber == "" {
		cfg.FromNumber = DefaultFromNumber
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultTwilioAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &VoiceNotifier{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// Notify は音声通話を発信し、Twilioが返した通話ステータスを返す。
// 認証情報が未設定の場合は ErrNotifierDisabled を返す。
func (n *VoiceNotifier) Notify(ctx context.Context, result model.MatchResult) (string, error) {
	if !n.cfg.Enabled() {
		return "", ErrNotifierDisabled
	}

	to, err := NormalizePhoneNumber(result.Tracker.Target.Value)
	if err != nil {
		return "", err
	}

	msg, err := BuildVoiceMessage(result)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("From", n.cfg.FromNumber)
	form.Set("To", to)
	form.Set("Url", n.cfg.TwimlURL+"?"+url.Values{"Message": {msg}}.Encode())

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", n.cfg.APIBase, url.PathEscape(n.cfg.AccountSID))
	body, status, err := n.client.PostForm(ctx, endpoint, form, n.cfg.AccountSID, n.cfg.AuthToken)
	if err != nil {
		return status, fmt.Errorf("音声通話の発信に失敗しました: %w", err)
	}

	var call callResponse
	if err := json.Unmarshal(body, &call); err != nil || call.Status == "" {
		return status, nil
	}

	n.logger.Debug("音声通話を発信しました",
		slog.String("tracker_id", result.Tracker.ID),
		slog.String("call_sid", call.SID),
		slog.String("status", call.Status),
	)
	return call.Status, nil
}

// NormalizePhoneNumber は電話番号をE.164形式に正規化する。
// 先頭に+がない10桁の番号は北米番号として+1を付与する。
func NormalizePhoneNumber(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	hasPlus := strings.HasPrefix(strings.TrimSpace(raw), "+")

	switch {
	case hasPlus && len(d) >= 8 && len(d) <= 15:
		return "+" + d, nil
	case len(d) == 10:
		return "+1" + d, nil
	case len(d) == 11 && d[0] == '1':
		return "+" + d, nil
	default:
		return "", model.NewValidationError(fmt.Sprintf("電話番号の形式が不正です: %q", raw))
	}
}
