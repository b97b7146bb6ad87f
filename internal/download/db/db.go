package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"

	"tabesh/internal/models"
)

type DB struct {
	Bun *bun.DB
}

func New(db *bun.DB) *DB {
	return &DB{Bun: db}
}

func (d *DB) InsertToken(ctx context.Context, t *models.DownloadToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := d.Bun.NewInsert().Model(t).Exec(ctx)
	return err
}

func (d *DB) GetTokenByHash(ctx context.Context, hash string) (*models.DownloadToken, error) {
	t := new(models.DownloadToken)
	err := d.Bun.NewSelect().Model(t).Where("dt.token_hash = ?", hash).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// MarkUsed flips the token to used only if it is still unused and not
// expired. Two concurrent redemptions cannot both succeed: the loser gets
// sql.ErrNoRows.
func (d *DB) MarkUsed(ctx context.Context, id int64, now time.Time) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.DownloadToken)(nil)).
		Set("used = ?", true).
		Set("used_at = ?", now).
		Where("id = ?", id).
		Where("used = ?", false).
		Where("expires_at > ?", now).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountPurgeable counts tokens that expired before t or were already used.
func (d *DB) CountPurgeable(ctx context.Context, before time.Time) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.DownloadToken)(nil)).
		WhereOr("dt.expires_at < ?", before).
		WhereOr("dt.used = ?", true).
		Count(ctx)
}

func (d *DB) DeletePurgeable(ctx context.Context, before time.Time) (int, error) {
	res, err := d.Bun.NewDelete().
		Model((*models.DownloadToken)(nil)).
		WhereOr("expires_at < ?", before).
		WhereOr("used = ?", true).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
