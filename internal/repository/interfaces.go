// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/GreenCappuccino/VaxFinder/internal/model"
)

// TrackerRepository はトラッカーの永続化インターフェース。
type TrackerRepository interface {
	// ListActive は triggered = false の全トラッカーを取得する。
	ListActive(ctx context.Context) ([]*model.Tracker, error)

	// MarkTriggered は指定トラッカーの triggered を true に更新し、影響行数を返す。
	// すでにtrueの場合も同じ値で上書きするため冪等。
	MarkTriggered(ctx context.Context, id string) (int64, error)

	// Create はトラッカーを作成する。
	Create(ctx context.Context, tracker *model.Tracker) error

	// FindByID は指定IDのトラッカーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Tracker, error)

	// ListByUser は指定ユーザーの全トラッカーを作成日時順に取得する。
	ListByUser(ctx context.Context, userID string) ([]*model.Tracker, error)

	// DeleteByUser は指定ユーザーの全トラッカーを削除し、削除件数を返す。
	DeleteByUser(ctx context.Context, userID string) (int64, error)

	// ResetTriggered は指定トラッカーの triggered を false に戻し、影響行数を返す。
	ResetTriggered(ctx context.Context, id string) (int64, error)
}

// UserRepository はトラッカー所有ユーザーの永続化インターフェース。
type UserRepository interface {
	// Upsert はユーザーを作成し、既存の場合はユーザー名を更新する。
	Upsert(ctx context.Context, user *model.User) error

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// IncrementTrackerCount はユーザーのトラッカー数を1増やす。
	IncrementTrackerCount(ctx context.Context, id string) error

	// ResetTrackerCount はユーザーのトラッカー数を0に戻す。
	ResetTrackerCount(ctx context.Context, id string) error
}
