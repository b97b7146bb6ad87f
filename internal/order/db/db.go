package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"tabesh/internal/models"
)

type DB struct {
	Bun *bun.DB
}

func New(b *bun.DB) *DB {
	return &DB{Bun: b}
}

// RunInTx runs fn in a transaction that is rolled back when fn fails.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return d.Bun.RunInTx(ctx, &sql.TxOptions{}, fn)
}

// ---------------- ORDERS ----------------

// CreateOrder inserts the order and fills in its generated ID.
func (d *DB) CreateOrder(ctx context.Context, idb bun.IDB, order *models.Order) error {
	_, err := idb.NewInsert().Model(order).Exec(ctx)
	return err
}

// GetOrderByID fetches one non-deleted order. Missing rows return sql.ErrNoRows.
func (d *DB) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("o.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderForUpdate reads an order inside a transaction, locking the row
// where the dialect supports it.
func (d *DB) GetOrderForUpdate(ctx context.Context, tx bun.Tx, id int64) (*models.Order, error) {
	var order models.Order
	q := tx.NewSelect().Model(&order).Where("o.id = ?", id).Limit(1)
	if supportsRowLocks(tx) {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return &order, nil
}

func supportsRowLocks(idb bun.IDB) bool {
	return idb.Dialect().Name() != dialect.SQLite
}

// ListOrders returns one page of orders and the total match count. Unless
// includeHidden is set, orders tagged with the hidden marker are skipped.
func (d *DB) ListOrders(ctx context.Context, f models.OrderFilter, includeHidden bool) ([]models.Order, int, error) {
	var orders []models.Order
	q := d.Bun.NewSelect().Model(&orders)

	if f.Status != "" {
		q = q.Where("o.status = ?", f.Status)
	}
	if f.UserID != "" {
		q = q.Where("o.user_id = ?", f.UserID)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + s + "%"
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("o.order_number LIKE ?", like).WhereOr("o.book_title LIKE ?", like)
		})
	}
	if !includeHidden {
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("o.notes IS NULL").WhereOr("o.notes NOT LIKE ?", "%"+models.HiddenMarker+"%")
		})
	}

	total, err := q.Order("o.created_at DESC", "o.id DESC").
		Limit(f.Limit).
		Offset(f.Offset).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// UpdateOrder writes the named columns and bumps updated_at.
func (d *DB) UpdateOrder(ctx context.Context, idb bun.IDB, order *models.Order, columns ...string) error {
	order.UpdatedAt = time.Now().UTC()
	columns = append(columns, "updated_at")
	res, err := idb.NewUpdate().
		Model(order).
		Column(columns...).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SoftDeleteOrder marks the order deleted; it stays in the table until purged.
func (d *DB) SoftDeleteOrder(ctx context.Context, idb bun.IDB, id int64) error {
	res, err := idb.NewDelete().
		Model((*models.Order)(nil)).
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

// ---------------- LOGS ----------------

func (d *DB) InsertLog(ctx context.Context, idb bun.IDB, entry *models.OrderLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := idb.NewInsert().Model(entry).Exec(ctx)
	return err
}

func (d *DB) GetLogs(ctx context.Context, orderID int64) ([]models.OrderLog, error) {
	var logs []models.OrderLog
	err := d.Bun.NewSelect().
		Model(&logs).
		Where("order_id = ?", orderID).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// ---------------- USER QUERIES ----------------

func (d *DB) CountOrdersByUser(ctx context.Context, userID string) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.Order)(nil)).
		Where("o.user_id = ?", userID).
		Count(ctx)
}

// RecentOrdersByUser returns the user's newest orders, hidden ones excluded.
func (d *DB) RecentOrdersByUser(ctx context.Context, userID string, limit int) ([]models.Order, error) {
	orders, _, err := d.ListOrders(ctx, models.OrderFilter{UserID: userID, Limit: limit}, false)
	if err != nil {
		return nil, fmt.Errorf("recent orders for %s: %w", userID, err)
	}
	return orders, nil
}
