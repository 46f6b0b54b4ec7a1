package services

import (
	"context"
	"time"

	domain "github.com/tezmarket/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	CartItem           = domain.CartItem
	InventoryMovement  = domain.InventoryMovement
	VariantStock       = domain.VariantStock
	MovementType       = domain.MovementType
	Role               = domain.Role
	SystemHealthReport = domain.SystemHealthReport
)

// Actor identifies the authenticated caller for guarded operations.
type Actor struct {
	ID       string
	VendorID string
	Roles    []Role
}

// HasRole reports whether the actor carries the given role.
func (a Actor) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// OrderService drives the guarded order lifecycle after placement.
type OrderService interface {
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	ListOrders(ctx context.Context, cmd ListOrdersCommand) (domain.CursorPage[Order], error)
	// TransitionStatus moves the order along one edge of the status graph,
	// enforcing the per-edge role allowlist and the caller's concurrency stamp.
	TransitionStatus(ctx context.Context, cmd TransitionOrderCommand) (Order, error)
	// CancelOwnOrder lets the buyer cancel their own order while it is still
	// pending, restoring committed stock.
	CancelOwnOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	// RequestReturn lets the buyer flag a delivered order for return; stock is
	// only restored later when the vendor confirms receipt.
	RequestReturn(ctx context.Context, cmd ReturnOrderCommand) (Order, error)
}

// GetOrderCommand fetches one order with ownership checks applied for end users.
type GetOrderCommand struct {
	OrderID string
	Actor   Actor
}

// ListOrdersCommand narrows order listings per caller role.
type ListOrdersCommand struct {
	UserID     string
	BranchID   string
	RiderID    string
	Status     []string
	From       *time.Time
	To         *time.Time
	Pagination Pagination
	Actor      Actor
}

// TransitionOrderCommand drives one edge of the status graph.
type TransitionOrderCommand struct {
	OrderID       string
	NextStatus    OrderStatus
	ExpectedStamp string
	CancelReason  *string
	Actor         Actor
}

// CancelOrderCommand cancels the buyer's own pending order.
type CancelOrderCommand struct {
	OrderID       string
	ExpectedStamp string
	Reason        *string
	Actor         Actor
}

// ReturnOrderCommand requests a return for a delivered order.
type ReturnOrderCommand struct {
	OrderID       string
	ExpectedStamp string
	Reason        *string
	Actor         Actor
}

// InventoryService manages the stock ledger.
type InventoryService interface {
	// RecordMovement appends an addition or removal to the ledger.
	RecordMovement(ctx context.Context, cmd RecordMovementCommand) (InventoryMovement, error)
	// AdjustStock corrects the quantity to an explicit target, recording the
	// signed difference as an adjustment row.
	AdjustStock(ctx context.Context, cmd AdjustStockCommand) (InventoryMovement, error)
	GetStock(ctx context.Context, cmd GetStockCommand) (VariantStock, error)
	ListMovements(ctx context.Context, cmd ListMovementsCommand) (domain.CursorPage[InventoryMovement], error)
}

// RecordMovementCommand appends one addition or removal.
type RecordMovementCommand struct {
	SKU            string
	ProductID      string
	VariantID      *string
	VendorID       string
	BranchID       string
	Type           MovementType
	QuantityChange int
	RefType        domain.MovementRef
	RefID          string
	Notes          string
	SellingPrice   int64
	Currency       string
	Actor          Actor
}

// AdjustStockCommand corrects stock to an explicit target quantity.
type AdjustStockCommand struct {
	SKU            string
	TargetQuantity int
	Notes          string
	Actor          Actor
}

// GetStockCommand fetches a stock record.
type GetStockCommand struct {
	SKU   string
	Actor Actor
}

// ListMovementsCommand filters the ledger history.
type ListMovementsCommand struct {
	SKU        string
	ProductID  string
	VendorID   string
	BranchID   string
	Types      []string
	RefType    string
	RefID      string
	From       *time.Time
	To         *time.Time
	Pagination Pagination
	Actor      Actor
}

// CartService manages the buyer's cart ahead of checkout.
type CartService interface {
	ListCart(ctx context.Context, actor Actor) ([]CartItem, error)
	// AddItem appends a line or merges it into an existing line with the same SKU.
	AddItem(ctx context.Context, cmd AddCartItemCommand) (CartItem, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) error
	ClearCart(ctx context.Context, actor Actor) error
}

// AddCartItemCommand adds one line to the caller's cart.
type AddCartItemCommand struct {
	ProductID string
	VariantID *string
	SKU       string
	Name      string
	Quantity  int
	UnitPrice int64
	Currency  string
	Actor     Actor
}

// RemoveCartItemCommand removes one line from the caller's cart.
type RemoveCartItemCommand struct {
	ItemID string
	Actor  Actor
}

// CheckoutService turns the buyer's cart into an order.
type CheckoutService interface {
	// PlaceOrder atomically creates the order from the cart, decrements stock
	// with removal ledger rows and clears the cart. Supplying the same
	// idempotency key replays the original outcome without new movements.
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (PlaceOrderOutcome, error)
}

// PlaceOrderCommand captures checkout input for the buyer's current cart.
type PlaceOrderCommand struct {
	BranchID       string
	AddressID      string
	PromocodeID    *string
	IdempotencyKey string
	Actor          Actor
}

// PlaceOrderOutcome reports the stored order and whether it was replayed from
// an earlier submission with the same idempotency key.
type PlaceOrderOutcome struct {
	Order     Order
	Movements []InventoryMovement
	Replayed  bool
}

// SystemService surfaces operational health for probes.
type SystemService interface {
	Health(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher publishes order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order lifecycle events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// StockEventPublisher publishes ledger rows for analytics and replication.
type StockEventPublisher interface {
	PublishStockMovement(ctx context.Context, event StockMovementEvent) error
}

// StockMovementEvent mirrors one committed ledger row.
type StockMovementEvent struct {
	MovementID     string
	SKU            string
	ProductID      string
	VendorID       string
	BranchID       string
	Type           string
	QuantityChange int
	QuantityBefore int
	QuantityAfter  int
	RefType        string
	RefID          string
	ActorID        string
	OccurredAt     time.Time
}
