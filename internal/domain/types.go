package domain

import (
	"time"

	"github.com/google/uuid"
)

// Pagination carries cursor based pagination parameters.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage wraps a page of results with the token pointing at the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// RangeQuery expresses an optional range filter.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and awaits vendor action.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusAccepted indicates the vendor accepted the order for preparation.
	OrderStatusAccepted OrderStatus = "accepted"
	// OrderStatusReadyForPickup indicates the order awaits rider collection.
	OrderStatusReadyForPickup OrderStatus = "ready_for_pickup"
	// OrderStatusPickedUp indicates a rider collected the order from the branch.
	OrderStatusPickedUp OrderStatus = "picked_up"
	// OrderStatusArrived indicates the rider reached the delivery address.
	OrderStatusArrived OrderStatus = "arrived"
	// OrderStatusDelivered indicates the order was handed to the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before delivery.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRejected indicates the vendor declined the order.
	OrderStatusRejected OrderStatus = "rejected"
	// OrderStatusReturn indicates a return was requested for a delivered order.
	OrderStatusReturn OrderStatus = "return"
	// OrderStatusReturned indicates the returned goods were received back.
	OrderStatusReturned OrderStatus = "returned"
	// OrderStatusFailed indicates the order could not be fulfilled.
	OrderStatusFailed OrderStatus = "failed"
)

// PaymentStatus tracks the payment side of an order independently of fulfilment.
type PaymentStatus string

const (
	PaymentStatusUnpaid   PaymentStatus = "unpaid"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Role identifies the acting party on guarded operations.
type Role string

const (
	RoleUser        Role = "user"
	RoleVendorAdmin Role = "vendor_admin"
	RoleRider       Role = "rider"
	RoleSuperAdmin  Role = "super_admin"
)

// MovementType classifies inventory ledger entries.
type MovementType string

const (
	// MovementAdded records restocking or initial stock intake.
	MovementAdded MovementType = "added"
	// MovementRemoved records stock leaving for an order.
	MovementRemoved MovementType = "removed"
	// MovementAdjusted records a manual correction to an explicit target quantity.
	MovementAdjusted MovementType = "adjusted"
	// MovementReverted records the exact reversal of a prior removal.
	MovementReverted MovementType = "reverted"
)

// ValidMovementType reports whether t is a member of the movement enum.
func ValidMovementType(t MovementType) bool {
	switch t {
	case MovementAdded, MovementRemoved, MovementAdjusted, MovementReverted:
		return true
	}
	return false
}

// MovementRef identifies the kind of record a movement points back at.
type MovementRef string

const (
	MovementRefProduct MovementRef = "product"
	MovementRefOrder   MovementRef = "order"
	MovementRefManual  MovementRef = "manual"
)

// Order is the aggregate root of the fulfilment lifecycle. Orders are never
// deleted; terminal statuses close them out.
type Order struct {
	ID               string
	OrderNumber      string
	UserID           string
	BranchID         string
	AddressID        string
	RiderID          *string
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	Currency         string
	TotalAmount      int64
	Items            []OrderItem
	PromocodeID      *string
	ConcurrencyStamp string
	// StockCommitted reports whether placement decremented stock; it gates
	// whether cancellation/return must issue reverting movements.
	StockCommitted bool
	CancelReason   *string
	Audit          Audit
	CreatedAt      time.Time
	UpdatedAt      time.Time
	PlacedAt       *time.Time
	DeliveredAt    *time.Time
	CanceledAt     *time.Time
	ReturnedAt     *time.Time
}

// OrderItem is a line of an order. UnitPrice is the price at purchase time and
// is never recomputed from the live catalog.
type OrderItem struct {
	ProductID string
	VariantID *string
	SKU       string
	Name      string
	Quantity  int
	UnitPrice int64
	Total     int64
}

// Audit records the actors responsible for creating/updating a record.
type Audit struct {
	CreatedBy *string
	UpdatedBy *string
}

// InventoryMovement is one immutable row of the stock ledger. For every row
// QuantityAfter = QuantityBefore + QuantityChange, and QuantityAfter equals
// the live stock quantity at commit time. Corrections append new rows.
type InventoryMovement struct {
	ID             string
	SKU            string
	ProductID      string
	VariantID      *string
	VendorID       string
	BranchID       string
	Type           MovementType
	QuantityChange int
	QuantityBefore int
	QuantityAfter  int
	RefType        MovementRef
	RefID          string
	ActorID        string
	Notes          string
	CreatedAt      time.Time
}

// VariantStock is the authoritative stock record for a sellable SKU. The
// Quantity field is only ever written together with a ledger row.
type VariantStock struct {
	SKU              string
	ProductID        string
	VariantID        *string
	VendorID         string
	BranchID         string
	Quantity         int
	SellingPrice     int64
	Currency         string
	ConcurrencyStamp string
	UpdatedAt        time.Time
}

// CartItem is one line of a user's cart. UnitPrice is the price observed when
// the item was added and must be revalidated at placement.
type CartItem struct {
	ID        string
	UserID    string
	ProductID string
	VariantID *string
	SKU       string
	Name      string
	Quantity  int
	UnitPrice int64
	Currency  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewConcurrencyStamp mints a fresh opaque version token. Every successful
// mutation of a guarded entity replaces its stamp with a new one.
func NewConcurrencyStamp() string {
	return uuid.NewString()
}
