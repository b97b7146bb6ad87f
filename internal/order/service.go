package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"tabesh/internal/events"
	"tabesh/internal/logger"
	"tabesh/internal/models"
	"tabesh/internal/order/pricing"
	"tabesh/internal/utils"
)

var (
	ErrNotFound       = fmt.Errorf("%w: order", utils.ErrNotFound)
	ErrForbidden      = fmt.Errorf("%w: not allowed for this order", utils.ErrForbidden)
	ErrUnauthorized   = fmt.Errorf("%w: sign in required", utils.ErrUnauthorized)
	ErrInvalidStatus  = fmt.Errorf("%w: invalid order status", utils.ErrValidation)
	ErrStatusLocked   = fmt.Errorf("%w: order is completed or cancelled", utils.ErrConflict)
	ErrNotCancellable = fmt.Errorf("%w: only pending orders can be cancelled", utils.ErrConflict)
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type DBLayer interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error
	CreateOrder(ctx context.Context, idb bun.IDB, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderForUpdate(ctx context.Context, tx bun.Tx, id int64) (*models.Order, error)
	ListOrders(ctx context.Context, f models.OrderFilter, includeHidden bool) ([]models.Order, int, error)
	UpdateOrder(ctx context.Context, idb bun.IDB, order *models.Order, columns ...string) error
	SoftDeleteOrder(ctx context.Context, idb bun.IDB, id int64) error
	InsertLog(ctx context.Context, idb bun.IDB, entry *models.OrderLog) error
	GetLogs(ctx context.Context, orderID int64) ([]models.OrderLog, error)
	CountOrdersByUser(ctx context.Context, userID string) (int, error)
	RecentOrdersByUser(ctx context.Context, userID string, limit int) ([]models.Order, error)
}

type Pricer interface {
	Quote(ctx context.Context, spec models.OrderSpec) (*pricing.Breakdown, error)
}

// FileRemover deletes every file of an order, blobs included.
type FileRemover interface {
	DeleteOrderFiles(ctx context.Context, orderID int64) (int, error)
}

type JobSheetRenderer interface {
	Generate(order models.Order, qrCode []byte) ([]byte, error)
}

type QREncoder interface {
	PNG(content string) ([]byte, error)
}

type OrderService struct {
	DB        DBLayer
	Pricer    Pricer
	Events    events.Publisher
	Files     FileRemover
	JobSheets JobSheetRenderer
	QR        QREncoder
	PublicURL string
	Logger    *logger.Logger
	now       func() time.Time
}

func NewOrderService(db DBLayer, pricer Pricer, publisher events.Publisher, log *logger.Logger) *OrderService {
	return &OrderService{
		DB:     db,
		Pricer: pricer,
		Events: publisher,
		Logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// canView hides other users' orders and hidden orders from non-staff.
// Both cases read as not found so nothing leaks.
func canView(actor models.Actor, o *models.Order) bool {
	if actor.IsStaff() {
		return true
	}
	return o.UserID == actor.UserID && !o.Hidden()
}

func (s *OrderService) publish(ctx context.Context, eventType string, o *models.Order, actor models.Actor, msg string) {
	if s.Events == nil {
		return
	}
	e := events.New(eventType, o.ID)
	e.OrderNumber = o.OrderNumber
	e.ActorID = actor.UserID
	e.Status = string(o.Status)
	e.Message = msg
	if err := s.Events.Publish(ctx, e); err != nil {
		s.Logger.Warn("ORDER", fmt.Sprintf("Failed to publish %s for order %d: %v", eventType, o.ID, err))
	}
}

// ---------------- ORDERS ----------------

func (s *OrderService) CreateOrder(ctx context.Context, actor models.Actor, req models.OrderRequest) (*models.Order, *pricing.Breakdown, error) {
	if !actor.Authenticated() {
		return nil, nil, ErrUnauthorized
	}
	if err := utils.Validate(req); err != nil {
		return nil, nil, err
	}
	breakdown, err := s.Pricer.Quote(ctx, req.OrderSpec)
	if err != nil {
		return nil, nil, err
	}

	notes := req.Notes
	if !actor.IsStaff() {
		notes = stripMarker(notes)
	}
	now := s.now()
	order := &models.Order{
		OrderNumber:    utils.GenerateOrderNumber(now),
		UserID:         actor.UserID,
		BookTitle:      strings.TrimSpace(req.BookTitle),
		OrderSpec:      req.OrderSpec,
		PageCountTotal: req.OrderSpec.PageCountTotal(),
		TotalPrice:     breakdown.Total,
		Status:         models.StatusPending,
		Notes:          notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if err := s.DB.CreateOrder(ctx, tx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return s.DB.InsertLog(ctx, tx, &models.OrderLog{
			OrderID:   order.ID,
			ActorID:   actor.UserID,
			Action:    "created",
			NewStatus: string(order.Status),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create order: %w", err)
	}

	s.Logger.LogOrder("CREATED", order.ID, fmt.Sprintf("%s by %s, total %.0f", order.OrderNumber, actor.UserID, order.TotalPrice))
	s.publish(ctx, events.OrderCreated, order, actor, "")
	return order, breakdown, nil
}

func (s *OrderService) GetOrder(ctx context.Context, actor models.Actor, id int64) (*models.Order, error) {
	o, err := s.DB.GetOrderByID(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	if !canView(actor, o) {
		return nil, ErrNotFound
	}
	return o, nil
}

// ListOrders restricts non-staff callers to their own visible orders.
func (s *OrderService) ListOrders(ctx context.Context, actor models.Actor, f models.OrderFilter) (*models.OrderPage, error) {
	if !actor.Authenticated() {
		return nil, ErrUnauthorized
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if !actor.IsStaff() {
		f.UserID = actor.UserID
	}

	orders, total, err := s.DB.ListOrders(ctx, f, actor.IsStaff())
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return &models.OrderPage{Orders: orders, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// UpdateOrder lets staff edit the title, print spec and notes. A changed
// spec is re-priced.
func (s *OrderService) UpdateOrder(ctx context.Context, actor models.Actor, id int64, upd models.OrderUpdate) (*models.Order, error) {
	if !actor.IsStaff() {
		return nil, ErrForbidden
	}
	if err := utils.Validate(upd); err != nil {
		return nil, err
	}
	current, err := s.DB.GetOrderByID(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	if current.Status.Terminal() && !actor.IsAdmin() {
		return nil, ErrStatusLocked
	}

	var columns []string
	var changes []string
	if upd.BookTitle != nil && strings.TrimSpace(*upd.BookTitle) != current.BookTitle {
		current.BookTitle = strings.TrimSpace(*upd.BookTitle)
		columns = append(columns, "book_title")
		changes = append(changes, "title")
	}
	if upd.Spec != nil {
		if err := utils.Validate(upd.Spec); err != nil {
			return nil, err
		}
		breakdown, err := s.Pricer.Quote(ctx, *upd.Spec)
		if err != nil {
			return nil, err
		}
		current.OrderSpec = *upd.Spec
		current.PageCountTotal = upd.Spec.PageCountTotal()
		current.TotalPrice = breakdown.Total
		columns = append(columns, "book_size", "paper_type", "paper_weight", "print_type",
			"page_count_bw", "page_count_color", "page_count_total", "quantity", "binding_type",
			"cover_paper_weight", "lamination_type", "extras", "total_price")
		changes = append(changes, "spec")
	}
	if upd.Notes != nil && *upd.Notes != current.Notes {
		current.Notes = *upd.Notes
		columns = append(columns, "notes")
		changes = append(changes, "notes")
	}
	if len(columns) == 0 {
		return current, nil
	}

	err = s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if err := s.DB.UpdateOrder(ctx, tx, current, columns...); err != nil {
			return err
		}
		return s.DB.InsertLog(ctx, tx, &models.OrderLog{
			OrderID: id,
			ActorID: actor.UserID,
			Action:  "updated",
			Note:    "changed " + strings.Join(changes, ", "),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("update order %d: %w", id, notFound(err))
	}

	s.Logger.LogOrder("UPDATED", id, strings.Join(changes, ", "))
	s.publish(ctx, events.OrderUpdated, current, actor, strings.Join(changes, ", "))
	return current, nil
}

// UpdateStatus moves an order to a new status. Completed and cancelled
// orders are final except for admins.
func (s *OrderService) UpdateStatus(ctx context.Context, actor models.Actor, id int64, status models.OrderStatus, note string) (*models.Order, error) {
	if !actor.IsStaff() {
		return nil, ErrForbidden
	}
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}

	var updated *models.Order
	var oldStatus models.OrderStatus
	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		o, err := s.DB.GetOrderForUpdate(ctx, tx, id)
		if err != nil {
			return notFound(err)
		}
		oldStatus = o.Status
		if o.Status == status {
			updated = o
			return nil
		}
		if o.Status.Terminal() && !actor.IsAdmin() {
			return ErrStatusLocked
		}
		o.Status = status
		if err := s.DB.UpdateOrder(ctx, tx, o, "status"); err != nil {
			return err
		}
		updated = o
		return s.DB.InsertLog(ctx, tx, &models.OrderLog{
			OrderID:   id,
			ActorID:   actor.UserID,
			Action:    "status_changed",
			OldStatus: string(oldStatus),
			NewStatus: string(status),
			Note:      note,
		})
	})
	if err != nil {
		return nil, err
	}
	if oldStatus == status {
		return updated, nil
	}

	s.Logger.LogOrder("STATUS", id, fmt.Sprintf("%s -> %s by %s", oldStatus, status, actor.UserID))
	s.publish(ctx, events.OrderStatusChanged, updated, actor, note)
	return updated, nil
}

// CancelOrder lets the owner, or staff, cancel an order that is still pending.
func (s *OrderService) CancelOrder(ctx context.Context, actor models.Actor, id int64) (*models.Order, error) {
	if !actor.Authenticated() {
		return nil, ErrUnauthorized
	}

	var cancelled *models.Order
	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		o, err := s.DB.GetOrderForUpdate(ctx, tx, id)
		if err != nil {
			return notFound(err)
		}
		if !canView(actor, o) {
			return ErrNotFound
		}
		if o.Status != models.StatusPending {
			return ErrNotCancellable
		}
		o.Status = models.StatusCancelled
		if err := s.DB.UpdateOrder(ctx, tx, o, "status"); err != nil {
			return err
		}
		cancelled = o
		return s.DB.InsertLog(ctx, tx, &models.OrderLog{
			OrderID:   id,
			ActorID:   actor.UserID,
			Action:    "cancelled",
			OldStatus: string(models.StatusPending),
			NewStatus: string(models.StatusCancelled),
		})
	})
	if err != nil {
		return nil, err
	}

	s.Logger.LogOrder("CANCELLED", id, "cancelled by "+actor.UserID)
	s.publish(ctx, events.OrderCancelled, cancelled, actor, "")
	return cancelled, nil
}

// SetHidden adds or removes the hidden marker in the order's notes.
func (s *OrderService) SetHidden(ctx context.Context, actor models.Actor, id int64, hidden bool) (*models.Order, error) {
	if !actor.IsStaff() {
		return nil, ErrForbidden
	}

	var result *models.Order
	changed := false
	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		o, err := s.DB.GetOrderForUpdate(ctx, tx, id)
		if err != nil {
			return notFound(err)
		}
		result = o
		if o.Hidden() == hidden {
			return nil
		}
		if hidden {
			o.Notes = strings.TrimSpace(o.Notes + " " + models.HiddenMarker)
		} else {
			o.Notes = stripMarker(o.Notes)
		}
		if err := s.DB.UpdateOrder(ctx, tx, o, "notes"); err != nil {
			return err
		}
		changed = true
		action := "unhidden"
		if hidden {
			action = "hidden"
		}
		return s.DB.InsertLog(ctx, tx, &models.OrderLog{OrderID: id, ActorID: actor.UserID, Action: action})
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.Logger.LogOrder("HIDDEN", id, fmt.Sprintf("hidden=%v by %s", hidden, actor.UserID))
		s.publish(ctx, events.OrderHidden, result, actor, fmt.Sprintf("hidden=%v", hidden))
	}
	return result, nil
}

// DeleteOrder removes the order's files, then soft-deletes the order.
func (s *OrderService) DeleteOrder(ctx context.Context, actor models.Actor, id int64) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}
	o, err := s.DB.GetOrderByID(ctx, id)
	if err != nil {
		return notFound(err)
	}

	if s.Files != nil {
		n, err := s.Files.DeleteOrderFiles(ctx, id)
		if err != nil {
			return fmt.Errorf("delete files of order %d: %w", id, err)
		}
		s.Logger.LogOrder("DELETED", id, fmt.Sprintf("removed %d files", n))
	}

	err = s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if err := s.DB.SoftDeleteOrder(ctx, tx, id); err != nil {
			return notFound(err)
		}
		return s.DB.InsertLog(ctx, tx, &models.OrderLog{OrderID: id, ActorID: actor.UserID, Action: "deleted"})
	})
	if err != nil {
		return err
	}

	s.Logger.LogOrder("DELETED", id, "deleted by "+actor.UserID)
	s.publish(ctx, events.OrderDeleted, o, actor, "")
	return nil
}

// Quote prices a spec without saving anything.
func (s *OrderService) Quote(ctx context.Context, spec models.OrderSpec) (*pricing.Breakdown, error) {
	if err := utils.Validate(spec); err != nil {
		return nil, err
	}
	return s.Pricer.Quote(ctx, spec)
}

func (s *OrderService) History(ctx context.Context, actor models.Actor, id int64) ([]models.OrderLog, error) {
	if _, err := s.GetOrder(ctx, actor, id); err != nil {
		return nil, err
	}
	logs, err := s.DB.GetLogs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("order %d history: %w", id, err)
	}
	if logs == nil {
		logs = []models.OrderLog{}
	}
	return logs, nil
}

// JobSheet renders the production PDF with a QR code pointing at the order.
func (s *OrderService) JobSheet(ctx context.Context, actor models.Actor, id int64) ([]byte, *models.Order, error) {
	if !actor.IsStaff() {
		return nil, nil, ErrForbidden
	}
	if s.JobSheets == nil {
		return nil, nil, fmt.Errorf("%w: job sheets are not configured", utils.ErrUnavailable)
	}
	o, err := s.GetOrder(ctx, actor, id)
	if err != nil {
		return nil, nil, err
	}

	var code []byte
	if s.QR != nil {
		code, err = s.QR.PNG(fmt.Sprintf("%s/api/v1/orders/%d", strings.TrimRight(s.PublicURL, "/"), o.ID))
		if err != nil {
			s.Logger.Warn("ORDER", fmt.Sprintf("QR for job sheet %d failed: %v", id, err))
		}
	}
	pdf, err := s.JobSheets.Generate(*o, code)
	if err != nil {
		return nil, nil, fmt.Errorf("render job sheet: %w", err)
	}
	return pdf, o, nil
}

// ---------------- AI SUPPORT ----------------

func (s *OrderService) CountOrders(ctx context.Context, userID string) (int, error) {
	return s.DB.CountOrdersByUser(ctx, userID)
}

func (s *OrderService) RecentOrders(ctx context.Context, userID string, limit int) ([]models.Order, error) {
	return s.DB.RecentOrdersByUser(ctx, userID, limit)
}

var spaces = regexp.MustCompile(`\s{2,}`)

func stripMarker(notes string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(strings.ReplaceAll(notes, models.HiddenMarker, ""), " "))
}
