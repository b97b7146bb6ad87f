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

func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return d.Bun.RunInTx(ctx, nil, fn)
}

// ---------------- VERSIONING ----------------

// NextVersion returns MAX(version)+1 for the order's category. Callers hold
// the upload lock and run this in the same transaction as the insert.
func (d *DB) NextVersion(ctx context.Context, idb bun.IDB, orderID int64, category models.FileCategory) (int, error) {
	var current sql.NullInt64
	err := idb.NewSelect().
		Model((*models.OrderFile)(nil)).
		ColumnExpr("MAX(f.version)").
		Where("f.order_id = ?", orderID).
		Where("f.category = ?", category).
		Scan(ctx, &current)
	if err != nil {
		return 0, err
	}
	return int(current.Int64) + 1, nil
}

// CountActive counts files in a category that still count against its
// quota, which is every file not rejected.
func (d *DB) CountActive(ctx context.Context, orderID int64, category models.FileCategory) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.OrderFile)(nil)).
		Where("f.order_id = ?", orderID).
		Where("f.category = ?", category).
		Where("f.status != ?", models.FileRejected).
		Count(ctx)
}

func (d *DB) InsertFile(ctx context.Context, idb bun.IDB, f *models.OrderFile) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := idb.NewInsert().Model(f).Exec(ctx)
	return err
}

// ---------------- READS ----------------

func (d *DB) GetFile(ctx context.Context, id int64) (*models.OrderFile, error) {
	f := new(models.OrderFile)
	err := d.Bun.NewSelect().Model(f).Where("f.id = ?", id).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListFiles orders by category, then newest version first.
func (d *DB) ListFiles(ctx context.Context, orderID int64, category models.FileCategory) ([]models.OrderFile, error) {
	var files []models.OrderFile
	q := d.Bun.NewSelect().
		Model(&files).
		Where("f.order_id = ?", orderID).
		Order("f.category ASC", "f.version DESC")
	if category != "" {
		q = q.Where("f.category = ?", category)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return files, nil
}

// ---------------- REVIEW ----------------

// Review moves a pending file to approved or rejected. It returns
// sql.ErrNoRows when the file is missing or no longer pending.
func (d *DB) Review(ctx context.Context, f *models.OrderFile) error {
	res, err := d.Bun.NewUpdate().
		Model(f).
		Column("status", "rejection_reason", "reviewed_by", "reviewed_at", "expires_at").
		WherePK().
		Where("status = ?", models.FilePending).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---------------- DELETES ----------------

// DeleteFile removes the file row and its download tokens.
func (d *DB) DeleteFile(ctx context.Context, idb bun.IDB, id int64) error {
	if _, err := idb.NewDelete().
		Model((*models.DownloadToken)(nil)).
		Where("file_id = ?", id).
		Exec(ctx); err != nil {
		return err
	}
	res, err := idb.NewDelete().
		Model((*models.OrderFile)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ExpiredFiles lists rejected files whose retention ran out before t.
func (d *DB) ExpiredFiles(ctx context.Context, before time.Time) ([]models.OrderFile, error) {
	var files []models.OrderFile
	err := d.Bun.NewSelect().
		Model(&files).
		Where("f.expires_at IS NOT NULL").
		Where("f.expires_at < ?", before).
		Order("f.id ASC").
		Scan(ctx)
	return files, err
}

// OrphanFiles lists files whose order row no longer exists.
func (d *DB) OrphanFiles(ctx context.Context) ([]models.OrderFile, error) {
	var files []models.OrderFile
	err := d.Bun.NewSelect().
		Model(&files).
		Where("NOT EXISTS (SELECT 1 FROM orders AS o WHERE o.id = f.order_id)").
		Order("f.id ASC").
		Scan(ctx)
	return files, err
}

func (d *DB) PendingReviewCount(ctx context.Context) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.OrderFile)(nil)).
		Where("f.status = ?", models.FilePending).
		Count(ctx)
}
