// Package notify はトラッカーのトリガーをWebhookまたは音声通話で通知する。
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/GreenCappuccino/VaxFinder/internal/model"
)

// ErrNotifierDisabled は通知チャネルが設定されていない場合に返される。
var ErrNotifierDisabled = errors.New("通知チャネルが設定されていません")

// ErrNoNeighbors はマッチ結果に会場が含まれていない場合に返される。
var ErrNoNeighbors = errors.New("マッチ結果に会場が含まれていません")

// Notifier はマッチ結果を外部チャネルに配信する。
// 戻り値は配信結果を表すステータス文字列で、ログ出力にのみ使用される。
type Notifier interface {
	Notify(ctx context.Context, result model.MatchResult) (string, error)
}

// voiceSuffix は音声通話のメッセージ末尾に付与する案内。
const voiceSuffix = " Head over to vaccine spotter dot org for more details."

// BuildMessage はマッチ結果から通知メッセージを組み立てる。
// 最も近い会場の事業者名、住所、市、州コード、郵便番号を含む。
func BuildMessage(result model.MatchResult) (string, error) {
	nearest, ok := result.Nearest()
	if !ok {
		return "", ErrNoNeighbors
	}
	return fmt.Sprintf(
		"Your monitor for %s with a radius of %s miles has been triggered! "+
			"The nearest location covered is the %s at %s, %s, in state code %s. "+
			"The postal code of this location is %s.",
		result.Tracker.Address,
		strconv.FormatFloat(result.Tracker.RadiusMiles, 'f', -1, 64),
		nearest.Provider,
		nearest.Address,
		nearest.City,
		nearest.State,
		nearest.PostalCode,
	), nil
}

// BuildVoiceMessage は音声通話用のメッセージを組み立てる。
func BuildVoiceMessage(result model.MatchResult) (string, error) {
	msg, err := BuildMessage(result)
	if err != nil {
		return "", err
	}
	return msg + voiceSuffix, nil
}
