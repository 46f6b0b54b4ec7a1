package repositories

import (
	"context"
	"time"

	domain "github.com/tezmarket/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Inventory() InventoryRepository
	Carts() CartRepository
	Counters() CounterRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists order aggregates. Mutations that touch stock run
// as single transactions so the order, its ledger rows and the stock column
// commit or fail together.
type OrderRepository interface {
	// Place atomically creates the order with its items, appends one removal
	// ledger row per line, decrements stock and deletes the consumed cart rows.
	Place(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error)
	// UpdateStatus transitions the order after comparing the caller's
	// concurrency stamp, optionally restoring stock with reverting ledger rows.
	UpdateStatus(ctx context.Context, req OrderStatusUpdateRequest) (OrderStatusUpdateResult, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// PlaceOrderRequest carries the fully priced order to persist. Item unit
// prices are revalidated against the live stock documents inside the
// transaction.
type PlaceOrderRequest struct {
	Order     domain.Order
	ClearCart bool
	// CartItemIDs names the exact cart rows the order was priced from. Only
	// these documents are deleted when ClearCart is set; lines the buyer adds
	// after the snapshot survive placement.
	CartItemIDs []string
	ActorID     string
	Now         time.Time
}

// PlaceOrderResult reports the stored order and the ledger rows written for it.
type PlaceOrderResult struct {
	Order     domain.Order
	Movements []domain.InventoryMovement
}

// OrderStatusUpdateRequest describes a guarded status transition.
type OrderStatusUpdateRequest struct {
	OrderID       string
	ExpectedStamp string
	NextStatus    domain.OrderStatus
	// RestoreStock requests reverting ledger rows for the order's items. The
	// repository skips restoration when the order never committed stock.
	RestoreStock bool
	RiderID      *string
	CancelReason *string
	ActorID      string
	Now          time.Time
}

// OrderStatusUpdateResult reports the updated order and any reverting ledger rows.
type OrderStatusUpdateResult struct {
	Order     domain.Order
	Movements []domain.InventoryMovement
}

// OrderListFilter controls order listings for buyers, vendors and admins.
type OrderListFilter struct {
	UserID     string
	BranchID   string
	RiderID    string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// InventoryRepository manages stock documents and the append-only movement ledger.
type InventoryRepository interface {
	// ApplyMovement atomically writes one ledger row and the matching stock
	// update. Additions create the stock document when absent.
	ApplyMovement(ctx context.Context, req ApplyMovementRequest) (domain.InventoryMovement, error)
	GetStock(ctx context.Context, sku string) (domain.VariantStock, error)
	ListMovements(ctx context.Context, filter MovementListFilter) (domain.CursorPage[domain.InventoryMovement], error)
}

// ApplyMovementRequest describes a single ledger mutation. Exactly one of
// QuantityChange or TargetQuantity drives the computation: adjustments set
// TargetQuantity and the repository derives the signed change from the live
// stock quantity.
type ApplyMovementRequest struct {
	SKU            string
	ProductID      string
	VariantID      *string
	VendorID       string
	BranchID       string
	Type           domain.MovementType
	QuantityChange int
	TargetQuantity *int
	RefType        domain.MovementRef
	RefID          string
	ActorID        string
	Notes          string
	// SellingPrice seeds the stock document when an addition creates it.
	SellingPrice int64
	Currency     string
	Now          time.Time
}

// MovementListFilter narrows ledger queries.
type MovementListFilter struct {
	SKU        string
	ProductID  string
	VendorID   string
	BranchID   string
	Types      []string
	RefType    string
	RefID      string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CartRepository stores cart lines keyed by user.
type CartRepository interface {
	ListItems(ctx context.Context, userID string) ([]domain.CartItem, error)
	UpsertItem(ctx context.Context, item domain.CartItem) (domain.CartItem, error)
	RemoveItem(ctx context.Context, userID string, itemID string) error
	Clear(ctx context.Context, userID string) error
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
