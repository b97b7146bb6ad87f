package models

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// HiddenMarker in an order's notes hides it from everyone but staff.
const HiddenMarker = "@WAR#"

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusConfirmed  OrderStatus = "confirmed"
	StatusProcessing OrderStatus = "processing"
	StatusReady      OrderStatus = "ready"
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
)

var OrderStatuses = []OrderStatus{
	StatusPending, StatusConfirmed, StatusProcessing, StatusReady, StatusCompleted, StatusCancelled,
}

func (s OrderStatus) Valid() bool {
	for _, v := range OrderStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// OrderSpec is the printable part of an order; it is what gets priced.
type OrderSpec struct {
	BookSize         string   `bun:"book_size" json:"book_size" validate:"required"`
	PaperType        string   `bun:"paper_type" json:"paper_type" validate:"required"`
	PaperWeight      string   `bun:"paper_weight" json:"paper_weight" validate:"required"`
	PrintType        string   `bun:"print_type" json:"print_type" validate:"required,oneof=bw color combined"`
	PageCountBW      int      `bun:"page_count_bw" json:"page_count_bw" validate:"min=0"`
	PageCountColor   int      `bun:"page_count_color" json:"page_count_color" validate:"min=0"`
	Quantity         int      `bun:"quantity" json:"quantity" validate:"min=1"`
	BindingType      string   `bun:"binding_type" json:"binding_type" validate:"required"`
	CoverPaperWeight string   `bun:"cover_paper_weight" json:"cover_paper_weight"`
	LaminationType   string   `bun:"lamination_type" json:"lamination_type"`
	Extras           []string `bun:"extras,type:text" json:"extras"`
}

func (s OrderSpec) PageCountTotal() int {
	return s.PageCountBW + s.PageCountColor
}

type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID          int64  `bun:"id,pk,autoincrement" json:"id"`
	OrderNumber string `bun:"order_number,unique,notnull" json:"order_number"`
	UserID      string `bun:"user_id,notnull" json:"user_id"`
	BookTitle   string `bun:"book_title,notnull" json:"book_title"`
	OrderSpec
	PageCountTotal int         `bun:"page_count_total" json:"page_count_total"`
	TotalPrice     float64     `bun:"total_price" json:"total_price"`
	Status         OrderStatus `bun:"status,notnull" json:"status"`
	Notes          string      `bun:"notes" json:"notes,omitempty"`
	CreatedAt      time.Time   `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time   `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
	DeletedAt      time.Time   `bun:"deleted_at,soft_delete,nullzero" json:"-"`
}

func (o *Order) Hidden() bool {
	return strings.Contains(o.Notes, HiddenMarker)
}

type OrderLog struct {
	bun.BaseModel `bun:"table:order_logs,alias:ol"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	OrderID   int64     `bun:"order_id,notnull" json:"order_id"`
	ActorID   string    `bun:"actor_id" json:"actor_id"`
	Action    string    `bun:"action,notnull" json:"action"`
	OldStatus string    `bun:"old_status" json:"old_status,omitempty"`
	NewStatus string    `bun:"new_status" json:"new_status,omitempty"`
	Note      string    `bun:"note" json:"note,omitempty"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

type OrderRequest struct {
	BookTitle string `json:"book_title" validate:"required,max=255"`
	OrderSpec
	Notes string `json:"notes" validate:"max=2000"`
}

type OrderUpdate struct {
	BookTitle *string    `json:"book_title,omitempty" validate:"omitempty,max=255"`
	Spec      *OrderSpec `json:"spec,omitempty"`
	Notes     *string    `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

type OrderFilter struct {
	Status OrderStatus
	UserID string
	Search string
	Limit  int
	Offset int
}

type OrderPage struct {
	Orders []Order `json:"orders"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}
