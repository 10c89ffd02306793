package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/GreenCappuccino/VaxFinder/internal/database"
	"github.com/GreenCappuccino/VaxFinder/internal/model"
)

// trackerColumns はSELECT対象のカラム一覧。
const trackerColumns = `id, user_id, address, latitude, longitude, radius_miles, notes, alert, triggered, created_at, updated_at`

// SQLTrackerRepo はPostgreSQLとSQLiteの両方で動作するトラッカーリポジトリ。
type SQLTrackerRepo struct {
	db *database.DB
}

// NewSQLTrackerRepo はSQLTrackerRepoを生成する。
func NewSQLTrackerRepo(db *database.DB) *SQLTrackerRepo {
	return &SQLTrackerRepo{db: db}
}

// ListActive は triggered = false の全トラッカーを取得する。
func (r *SQLTrackerRepo) ListActive(ctx context.Context) ([]*model.Tracker, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT `+trackerColumns+` FROM trackers WHERE triggered = ? ORDER BY created_at, id`),
		false,
	)
	if err != nil {
		return nil, model.NewPersistenceError("list active trackers", err)
	}
	defer rows.Close()

	trackers, err := scanTrackers(rows)
	if err != nil {
		return nil, model.NewPersistenceError("list active trackers", err)
	}
	return trackers, nil
}

// MarkTriggered は指定トラッカーの triggered を true に更新し、影響行数を返す。
func (r *SQLTrackerRepo) MarkTriggered(ctx context.Context, id string) (int64, error) {
	return r.setTriggered(ctx, id, true, "mark tracker triggered")
}

// ResetTriggered は指定トラッカーの triggered を false に戻し、影響行数を返す。
func (r *SQLTrackerRepo) ResetTriggered(ctx context.Context, id string) (int64, error) {
	return r.setTriggered(ctx, id, false, "reset tracker")
}

func (r *SQLTrackerRepo) setTriggered(ctx context.Context, id string, triggered bool, op string) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE trackers SET triggered = ?, updated_at = ? WHERE id = ?`),
		triggered, time.Now().UTC(), id,
	)
	if err != nil {
		return 0, model.NewPersistenceError(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, model.NewPersistenceError(op, err)
	}
	return n, nil
}

// Create はトラッカーを作成する。CreatedAt/UpdatedAtが未設定の場合は現在時刻を使用する。
func (r *SQLTrackerRepo) Create(ctx context.Context, t *model.Tracker) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO trackers (`+trackerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.UserID, t.Address, t.Latitude, t.Longitude, t.RadiusMiles,
		t.Notes, t.Target.Value, t.Triggered, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return model.NewPersistenceError("create tracker", err)
	}
	return nil
}

// FindByID は指定IDのトラッカーを取得する。見つからない場合はnilを返す。
func (r *SQLTrackerRepo) FindByID(ctx context.Context, id string) (*model.Tracker, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(
		`SELECT `+trackerColumns+` FROM trackers WHERE id = ?`), id)

	t, err := scanTracker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewPersistenceError("find tracker", err)
	}
	return t, nil
}

// ListByUser は指定ユーザーの全トラッカーを作成日時順に取得する。
func (r *SQLTrackerRepo) ListByUser(ctx context.Context, userID string) ([]*model.Tracker, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT `+trackerColumns+` FROM trackers WHERE user_id = ? ORDER BY created_at, id`),
		userID,
	)
	if err != nil {
		return nil, model.NewPersistenceError("list trackers by user", err)
	}
	defer rows.Close()

	trackers, err := scanTrackers(rows)
	if err != nil {
		return nil, model.NewPersistenceError("list trackers by user", err)
	}
	return trackers, nil
}

// DeleteByUser は指定ユーザーの全トラッカーを削除し、削除件数を返す。
func (r *SQLTrackerRepo) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		`DELETE FROM trackers WHERE user_id = ?`), userID)
	if err != nil {
		return 0, model.NewPersistenceError("delete trackers", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, model.NewPersistenceError("delete trackers", err)
	}
	return n, nil
}

// rowScanner は *sql.Row と *sql.Rows の共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTracker(s rowScanner) (*model.Tracker, error) {
	t := &model.Tracker{}
	var alert string
	if err := s.Scan(
		&t.ID, &t.UserID, &t.Address, &t.Latitude, &t.Longitude, &t.RadiusMiles,
		&t.Notes, &alert, &t.Triggered, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Target = model.ParseNotificationTarget(alert)
	return t, nil
}

func scanTrackers(rows *sql.Rows) ([]*model.Tracker, error) {
	var trackers []*model.Tracker
	for rows.Next() {
		t, err := scanTracker(rows)
		if err != nil {
			return nil, err
		}
		trackers = append(trackers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trackers, nil
}
