package analytics

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"tabesh/internal/models"
)

// DB handles analytics database operations
type DB struct {
	bun *bun.DB
}

func NewDB(db *bun.DB) *DB {
	return &DB{bun: db}
}

type StatusCount struct {
	Status models.OrderStatus `bun:"status"`
	Count  int                `bun:"count"`
}

// CountByStatus counts live orders per status.
func (db *DB) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var rows []StatusCount
	err := db.bun.NewSelect().
		Model((*models.Order)(nil)).
		ColumnExpr("o.status AS status").
		ColumnExpr("COUNT(*) AS count").
		GroupExpr("o.status").
		Scan(ctx, &rows)
	return rows, err
}

// Revenue sums total_price over orders in the given statuses; no statuses
// means every status except cancelled.
func (db *DB) Revenue(ctx context.Context, statuses ...models.OrderStatus) (float64, error) {
	var sum float64
	q := db.bun.NewSelect().
		Model((*models.Order)(nil)).
		ColumnExpr("COALESCE(SUM(o.total_price), 0)")
	if len(statuses) > 0 {
		q = q.Where("o.status IN (?)", bun.In(statuses))
	} else {
		q = q.Where("o.status != ?", models.StatusCancelled)
	}
	err := q.Scan(ctx, &sum)
	return sum, err
}

// OrderPoint is the slice of an order the daily series needs.
type OrderPoint struct {
	CreatedAt  time.Time          `bun:"created_at"`
	TotalPrice float64            `bun:"total_price"`
	Status     models.OrderStatus `bun:"status"`
}

// OrdersSince returns the creation time, price and status of every live
// order created at or after since.
func (db *DB) OrdersSince(ctx context.Context, since time.Time) ([]OrderPoint, error) {
	var rows []OrderPoint
	err := db.bun.NewSelect().
		Model((*models.Order)(nil)).
		Column("o.created_at", "o.total_price", "o.status").
		Where("o.created_at >= ?", since).
		Order("o.created_at ASC").
		Scan(ctx, &rows)
	return rows, err
}

type PaperTypeCount struct {
	PaperType string `bun:"paper_type" json:"paper_type"`
	Orders    int    `bun:"order_count" json:"orders"`
}

func (db *DB) TopPaperTypes(ctx context.Context, limit int) ([]PaperTypeCount, error) {
	var rows []PaperTypeCount
	err := db.bun.NewSelect().
		Model((*models.Order)(nil)).
		ColumnExpr("o.paper_type AS paper_type").
		ColumnExpr("COUNT(*) AS order_count").
		GroupExpr("o.paper_type").
		OrderExpr("order_count DESC, paper_type ASC").
		Limit(limit).
		Scan(ctx, &rows)
	return rows, err
}

func (db *DB) PendingReviews(ctx context.Context) (int, error) {
	return db.bun.NewSelect().
		Model((*models.OrderFile)(nil)).
		Where("f.status = ?", models.FilePending).
		Count(ctx)
}
