package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"tabesh/internal/models"
	"tabesh/internal/utils"
)

const (
	DefaultDays = 30
	MaxDays     = 365
)

// Service handles analytics operations
type Service struct {
	db  *DB
	now func() time.Time
}

func NewService(db *bun.DB) *Service {
	return &Service{db: NewDB(db), now: func() time.Time { return time.Now().UTC() }}
}

// Stats is the dashboard summary for staff.
type Stats struct {
	Days               int              `json:"days"`
	TotalOrders        int              `json:"total_orders"`
	ByStatus           map[string]int   `json:"by_status"`
	TotalRevenue       float64          `json:"total_revenue"`
	CompletedRevenue   float64          `json:"completed_revenue"`
	Daily              []DailyMetrics   `json:"daily"`
	PendingFileReviews int              `json:"pending_file_reviews"`
	TopPaperTypes      []PaperTypeCount `json:"top_paper_types"`
}

// DailyMetrics contains metrics for a single day
type DailyMetrics struct {
	Date    string  `json:"date"`
	Orders  int     `json:"orders"`
	Revenue float64 `json:"revenue"`
}

// Stats summarizes all orders plus a day-by-day series for the last days
// days, today included. Cancelled orders add no revenue.
func (s *Service) Stats(ctx context.Context, days int) (*Stats, error) {
	if days == 0 {
		days = DefaultDays
	}
	if days < 1 || days > MaxDays {
		return nil, fmt.Errorf("%w: days must be between 1 and %d", utils.ErrValidation, MaxDays)
	}

	st := &Stats{Days: days, ByStatus: make(map[string]int, len(models.OrderStatuses))}
	for _, status := range models.OrderStatuses {
		st.ByStatus[string(status)] = 0
	}
	counts, err := s.db.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	for _, c := range counts {
		st.ByStatus[string(c.Status)] = c.Count
		st.TotalOrders += c.Count
	}

	if st.TotalRevenue, err = s.db.Revenue(ctx); err != nil {
		return nil, fmt.Errorf("revenue: %w", err)
	}
	if st.CompletedRevenue, err = s.db.Revenue(ctx, models.StatusCompleted); err != nil {
		return nil, fmt.Errorf("completed revenue: %w", err)
	}
	if st.PendingFileReviews, err = s.db.PendingReviews(ctx); err != nil {
		return nil, fmt.Errorf("pending reviews: %w", err)
	}
	if st.TopPaperTypes, err = s.db.TopPaperTypes(ctx, 5); err != nil {
		return nil, fmt.Errorf("paper types: %w", err)
	}

	today := s.now().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(days - 1))
	points, err := s.db.OrdersSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("daily orders: %w", err)
	}
	st.Daily = dailySeries(points, since, days)
	return st, nil
}

// dailySeries buckets orders by UTC day, emitting a zero entry for days
// without orders.
func dailySeries(points []OrderPoint, since time.Time, days int) []DailyMetrics {
	series := make([]DailyMetrics, days)
	index := make(map[string]int, days)
	for i := range series {
		date := since.AddDate(0, 0, i).Format("2006-01-02")
		series[i].Date = date
		index[date] = i
	}
	for _, p := range points {
		i, ok := index[p.CreatedAt.UTC().Format("2006-01-02")]
		if !ok {
			continue
		}
		series[i].Orders++
		if p.Status != models.StatusCancelled {
			series[i].Revenue += p.TotalPrice
		}
	}
	return series
}
