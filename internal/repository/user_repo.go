package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/GreenCappuccino/VaxFinder/internal/database"
	"github.com/GreenCappuccino/VaxFinder/internal/model"
)

// SQLUserRepo はPostgreSQLとSQLiteの両方で動作するユーザーリポジトリ。
type SQLUserRepo struct {
	db *database.DB
}

// NewSQLUserRepo はSQLUserRepoを生成する。
func NewSQLUserRepo(db *database.DB) *SQLUserRepo {
	return &SQLUserRepo{db: db}
}

// Upsert はユーザーを作成し、既存の場合はユーザー名のみ更新する。
func (r *SQLUserRepo) Upsert(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO users (id, username, tracker_count) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET username = excluded.username`),
		user.ID, user.Username, user.TrackerCount,
	)
	if err != nil {
		return model.NewPersistenceError("upsert user", err)
	}
	return nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *SQLUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx, r.db.Rebind(
		`SELECT id, username, tracker_count FROM users WHERE id = ?`), id,
	).Scan(&user.ID, &user.Username, &user.TrackerCount)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewPersistenceError("find user", err)
	}
	return user, nil
}

// IncrementTrackerCount はユーザーのトラッカー数を1増やす。
func (r *SQLUserRepo) IncrementTrackerCount(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE users SET tracker_count = tracker_count + 1 WHERE id = ?`), id)
	if err != nil {
		return model.NewPersistenceError("increment tracker count", err)
	}
	return nil
}

// ResetTrackerCount はユーザーのトラッカー数を0に戻す。
func (r *SQLUserRepo) ResetTrackerCount(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE users SET tracker_count = 0 WHERE id = ?`), id)
	if err != nil {
		return model.NewPersistenceError("reset tracker count", err)
	}
	return nil
}
