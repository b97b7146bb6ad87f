// Package cleanup holds the maintenance actions admins run by hand and the
// worker runs on a schedule.
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"tabesh/internal/database"
	"tabesh/internal/logger"
	"tabesh/internal/models"
	"tabesh/internal/utils"
)

const (
	ActionExpiredTokens  = "expired_tokens"
	ActionExpiredFiles   = "expired_files"
	ActionOrphanFiles    = "orphan_files"
	ActionOldBehavior    = "old_behavior"
	ActionDeletedOrders  = "deleted_orders"
	ActionOrdersByStatus = "orders_by_status"
	ActionResetAll       = "reset_all"

	// ResetPhrase must be sent verbatim to run reset_all.
	ResetPhrase = "DELETE ALL DATA"

	defaultBehaviorDays = 90
	defaultDeletedDays  = 30
)

var Actions = []string{
	ActionExpiredTokens, ActionExpiredFiles, ActionOrphanFiles, ActionOldBehavior,
	ActionDeletedOrders, ActionOrdersByStatus, ActionResetAll,
}

var (
	ErrUnknownAction = fmt.Errorf("%w: unknown cleanup action", utils.ErrValidation)
	ErrConfirmation  = fmt.Errorf("%w: confirmation phrase does not match", utils.ErrValidation)
)

type TokenPurger interface {
	PurgeExpired(ctx context.Context, before time.Time, dryRun bool) (int, error)
}

type FileRemover interface {
	ExpiredFiles(ctx context.Context, before time.Time) ([]models.OrderFile, error)
	OrphanFiles(ctx context.Context) ([]models.OrderFile, error)
	DeleteOrderFiles(ctx context.Context, orderID int64) (int, error)
	RemoveAll(ctx context.Context, files []models.OrderFile) (int, error)
}

type BehaviorPurger interface {
	PurgeBehavior(ctx context.Context, before time.Time, dryRun bool) (int, error)
}

// Request carries the parameters of every action; each action reads the
// fields it needs.
type Request struct {
	DryRun  bool               `json:"dry_run"`
	Days    int                `json:"days" validate:"min=0"`
	Status  models.OrderStatus `json:"status"`
	Before  string             `json:"before"`
	Confirm string             `json:"confirm"`
}

type Report struct {
	Action   string `json:"action"`
	Affected int    `json:"affected"`
	DryRun   bool   `json:"dry_run"`
}

type Service struct {
	DB       *bun.DB
	Tokens   TokenPurger
	Files    FileRemover
	Behavior BehaviorPurger
	Logger   *logger.Logger
	now      func() time.Time
}

func NewService(db *bun.DB, tokens TokenPurger, files FileRemover, behavior BehaviorPurger, log *logger.Logger) *Service {
	return &Service{
		DB:       db,
		Tokens:   tokens,
		Files:    files,
		Behavior: behavior,
		Logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run dispatches one action by name.
func (s *Service) Run(ctx context.Context, action string, req Request) (*Report, error) {
	var (
		n   int
		err error
	)
	switch action {
	case ActionExpiredTokens:
		n, err = s.Tokens.PurgeExpired(ctx, s.now(), req.DryRun)
	case ActionExpiredFiles:
		n, err = s.expiredFiles(ctx, req.DryRun)
	case ActionOrphanFiles:
		n, err = s.orphanFiles(ctx, req.DryRun)
	case ActionOldBehavior:
		n, err = s.Behavior.PurgeBehavior(ctx, utils.DaysAgo(s.now(), days(req.Days, defaultBehaviorDays)), req.DryRun)
	case ActionDeletedOrders:
		n, err = s.deletedOrders(ctx, days(req.Days, defaultDeletedDays), req.DryRun)
	case ActionOrdersByStatus:
		n, err = s.ordersByStatus(ctx, req)
	case ActionResetAll:
		n, err = s.resetAll(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}

	verb := "removed"
	if req.DryRun {
		verb = "would remove"
	}
	s.Logger.LogDatabase("CLEANUP", action, fmt.Sprintf("%s %d", verb, n))
	return &Report{Action: action, Affected: n, DryRun: req.DryRun}, nil
}

func days(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

func (s *Service) expiredFiles(ctx context.Context, dryRun bool) (int, error) {
	files, err := s.Files.ExpiredFiles(ctx, s.now())
	if err != nil || dryRun {
		return len(files), err
	}
	return s.Files.RemoveAll(ctx, files)
}

func (s *Service) orphanFiles(ctx context.Context, dryRun bool) (int, error) {
	files, err := s.Files.OrphanFiles(ctx)
	if err != nil || dryRun {
		return len(files), err
	}
	return s.Files.RemoveAll(ctx, files)
}

// deletedOrders purges orders soft-deleted more than n days ago.
func (s *Service) deletedOrders(ctx context.Context, n int, dryRun bool) (int, error) {
	var ids []int64
	err := s.DB.NewSelect().
		Model((*models.Order)(nil)).
		Column("id").
		WhereDeleted().
		Where("deleted_at < ?", utils.DaysAgo(s.now(), n)).
		Scan(ctx, &ids)
	if err != nil || dryRun {
		return len(ids), err
	}
	return s.purgeOrders(ctx, ids)
}

// ordersByStatus purges orders with the given status created before a date.
func (s *Service) ordersByStatus(ctx context.Context, req Request) (int, error) {
	if !req.Status.Valid() {
		return 0, fmt.Errorf("%w: invalid status %q", utils.ErrValidation, req.Status)
	}
	if req.Before == "" {
		return 0, fmt.Errorf("%w: before is required", utils.ErrValidation)
	}
	before, err := utils.ParseDate(req.Before)
	if err != nil {
		return 0, err
	}

	var ids []int64
	err = s.DB.NewSelect().
		Model((*models.Order)(nil)).
		Column("id").
		Where("status = ?", req.Status).
		Where("created_at < ?", before.UTC()).
		Scan(ctx, &ids)
	if err != nil || req.DryRun {
		return len(ids), err
	}
	return s.purgeOrders(ctx, ids)
}

// purgeOrders removes each order's files, then its logs and row for good.
func (s *Service) purgeOrders(ctx context.Context, ids []int64) (int, error) {
	for i, id := range ids {
		if _, err := s.Files.DeleteOrderFiles(ctx, id); err != nil {
			return i, fmt.Errorf("files of order %d: %w", id, err)
		}
		err := s.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewDelete().Model((*models.OrderLog)(nil)).Where("order_id = ?", id).Exec(ctx); err != nil {
				return err
			}
			_, err := tx.NewDelete().Model((*models.Order)(nil)).Where("id = ?", id).WhereAllWithDeleted().ForceDelete().Exec(ctx)
			return err
		})
		if err != nil {
			return i, fmt.Errorf("order %d: %w", id, err)
		}
		s.Logger.LogOrder("PURGED", id, "removed by cleanup")
	}
	return len(ids), nil
}

// resetAll removes every file and empties every table.
func (s *Service) resetAll(ctx context.Context, req Request) (int, error) {
	if req.Confirm != ResetPhrase {
		return 0, ErrConfirmation
	}

	var files []models.OrderFile
	if err := s.DB.NewSelect().Model(&files).Scan(ctx); err != nil {
		return 0, err
	}
	orders, err := s.DB.NewSelect().Model((*models.Order)(nil)).WhereAllWithDeleted().Count(ctx)
	if err != nil || req.DryRun {
		return orders, err
	}

	if _, err := s.Files.RemoveAll(ctx, files); err != nil {
		return 0, err
	}
	err = s.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		return database.Truncate(ctx, tx, database.Tables...)
	})
	if err != nil {
		return 0, err
	}
	s.Logger.LogSecurity("RESET_ALL", fmt.Sprintf("all data removed: %d orders, %d files", orders, len(files)))
	return orders, nil
}
