package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/tezmarket/api/internal/domain"
	"github.com/tezmarket/api/internal/repositories"
)

const (
	orderEventCreated         = "order.created"
	orderEventStatusChanged   = "order.status.changed"
	orderEventReturnRequested = "order.return.requested"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the requested transition is not an edge of the status graph.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderForbidden indicates the caller's roles do not permit the transition.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderConflict indicates the concurrency stamp was stale or the write raced another.
	ErrOrderConflict = errors.New("order: conflict")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Clock       func() time.Time
	Events      OrderEventPublisher
	StockEvents StockEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders      repositories.OrderRepository
	clock       func() time.Time
	events      OrderEventPublisher
	stockEvents StockEventPublisher
	logger      func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:      deps.Orders,
		clock:       func() time.Time { return clock().UTC() },
		events:      deps.Events,
		stockEvents: deps.StockEvents,
		logger:      logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !s.mayReadOrder(cmd.Actor, order) {
		return Order{}, fmt.Errorf("%w: order %s is not visible to caller", ErrOrderForbidden, orderID)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, cmd ListOrdersCommand) (domain.CursorPage[Order], error) {
	filter := repositories.OrderListFilter{
		UserID:     strings.TrimSpace(cmd.UserID),
		BranchID:   strings.TrimSpace(cmd.BranchID),
		RiderID:    strings.TrimSpace(cmd.RiderID),
		Status:     cmd.Status,
		DateRange:  domain.RangeQuery[time.Time]{From: cmd.From, To: cmd.To},
		Pagination: cmd.Pagination,
	}

	// End users only ever see their own orders; riders only their assignments.
	switch {
	case cmd.Actor.HasRole(domain.RoleSuperAdmin) || cmd.Actor.HasRole(domain.RoleVendorAdmin):
		// scope as requested
	case cmd.Actor.HasRole(domain.RoleRider):
		filter.RiderID = cmd.Actor.ID
	default:
		filter.UserID = cmd.Actor.ID
	}

	for _, status := range filter.Status {
		if !domain.ValidOrderStatus(domain.OrderStatus(strings.TrimSpace(status))) {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd TransitionOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.ExpectedStamp) == "" {
		return Order{}, fmt.Errorf("%w: concurrency stamp is required", ErrOrderInvalidInput)
	}
	if !domain.ValidOrderStatus(cmd.NextStatus) {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.NextStatus)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if !domain.CanTransition(order.Status, cmd.NextStatus) {
		return Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, order.Status, cmd.NextStatus)
	}
	if !domain.RoleMayTransition(order.Status, cmd.NextStatus, cmd.Actor.Roles...) {
		return Order{}, fmt.Errorf("%w: roles %v may not move %s to %s", ErrOrderForbidden, cmd.Actor.Roles, order.Status, cmd.NextStatus)
	}

	req := repositories.OrderStatusUpdateRequest{
		OrderID:       orderID,
		ExpectedStamp: strings.TrimSpace(cmd.ExpectedStamp),
		NextStatus:    cmd.NextStatus,
		RestoreStock:  domain.RestoresStock(cmd.NextStatus),
		CancelReason:  cmd.CancelReason,
		ActorID:       cmd.Actor.ID,
		Now:           s.clock(),
	}
	if cmd.NextStatus == domain.OrderStatusPickedUp && cmd.Actor.HasRole(domain.RoleRider) {
		rider := cmd.Actor.ID
		req.RiderID = &rider
	}

	result, err := s.orders.UpdateStatus(ctx, req)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishStatusChange(ctx, order.Status, result, cmd.Actor.ID, orderEventStatusChanged)
	return result.Order, nil
}

func (s *orderService) CancelOwnOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.ExpectedStamp) == "" {
		return Order{}, fmt.Errorf("%w: concurrency stamp is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if order.UserID != cmd.Actor.ID && !cmd.Actor.HasRole(domain.RoleSuperAdmin) {
		return Order{}, fmt.Errorf("%w: order %s belongs to another user", ErrOrderForbidden, orderID)
	}
	// Buyers may only withdraw orders the vendor has not started working on.
	if order.Status != domain.OrderStatusPending {
		return Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, order.Status, domain.OrderStatusCancelled)
	}

	result, err := s.orders.UpdateStatus(ctx, repositories.OrderStatusUpdateRequest{
		OrderID:       orderID,
		ExpectedStamp: strings.TrimSpace(cmd.ExpectedStamp),
		NextStatus:    domain.OrderStatusCancelled,
		RestoreStock:  true,
		CancelReason:  cmd.Reason,
		ActorID:       cmd.Actor.ID,
		Now:           s.clock(),
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishStatusChange(ctx, order.Status, result, cmd.Actor.ID, orderEventStatusChanged)
	return result.Order, nil
}

func (s *orderService) RequestReturn(ctx context.Context, cmd ReturnOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.ExpectedStamp) == "" {
		return Order{}, fmt.Errorf("%w: concurrency stamp is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if order.UserID != cmd.Actor.ID && !cmd.Actor.HasRole(domain.RoleSuperAdmin) {
		return Order{}, fmt.Errorf("%w: order %s belongs to another user", ErrOrderForbidden, orderID)
	}
	if order.Status != domain.OrderStatusDelivered {
		return Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, order.Status, domain.OrderStatusReturn)
	}

	// Stock is restored only when the vendor confirms receipt of the goods
	// (return → returned), never at request time.
	result, err := s.orders.UpdateStatus(ctx, repositories.OrderStatusUpdateRequest{
		OrderID:       orderID,
		ExpectedStamp: strings.TrimSpace(cmd.ExpectedStamp),
		NextStatus:    domain.OrderStatusReturn,
		RestoreStock:  false,
		CancelReason:  cmd.Reason,
		ActorID:       cmd.Actor.ID,
		Now:           s.clock(),
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishStatusChange(ctx, order.Status, result, cmd.Actor.ID, orderEventReturnRequested)
	return result.Order, nil
}

func (s *orderService) mayReadOrder(actor Actor, order Order) bool {
	switch {
	case actor.HasRole(domain.RoleSuperAdmin), actor.HasRole(domain.RoleVendorAdmin):
		return true
	case actor.HasRole(domain.RoleRider):
		return order.RiderID != nil && *order.RiderID == actor.ID
	default:
		return order.UserID == actor.ID
	}
}

func (s *orderService) publishStatusChange(ctx context.Context, previous domain.OrderStatus, result repositories.OrderStatusUpdateResult, actorID string, eventType string) {
	occurredAt := s.clock()
	if s.events != nil {
		err := s.events.PublishOrderEvent(ctx, OrderEvent{
			Type:           eventType,
			OrderID:        result.Order.ID,
			OrderNumber:    result.Order.OrderNumber,
			PreviousStatus: string(previous),
			CurrentStatus:  string(result.Order.Status),
			ActorID:        actorID,
			OccurredAt:     occurredAt,
		})
		if err != nil {
			s.logger(ctx, "order.event.publish.failed", map[string]any{
				"type":  eventType,
				"order": result.Order.ID,
				"error": err.Error(),
			})
		}
	}
	s.publishMovements(ctx, result.Movements)
}

func (s *orderService) publishMovements(ctx context.Context, movements []InventoryMovement) {
	if s.stockEvents == nil {
		return
	}
	for _, move := range movements {
		if err := s.stockEvents.PublishStockMovement(ctx, stockMovementEvent(move)); err != nil {
			s.logger(ctx, "stock.event.publish.failed", map[string]any{
				"movement": move.ID,
				"sku":      move.SKU,
				"error":    err.Error(),
			})
		}
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	return mapOrderRepositoryError(err)
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var ordErr *repositories.OrderError
	if errors.As(err, &ordErr) {
		switch ordErr.Code {
		case repositories.OrderErrorNotFound:
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repositories.OrderErrorStampMismatch, repositories.OrderErrorAlreadyExists:
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repositories.OrderErrorInvalidInput:
			return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
	}
	return err
}

func stockMovementEvent(move InventoryMovement) StockMovementEvent {
	return StockMovementEvent{
		MovementID:     move.ID,
		SKU:            move.SKU,
		ProductID:      move.ProductID,
		VendorID:       move.VendorID,
		BranchID:       move.BranchID,
		Type:           string(move.Type),
		QuantityChange: move.QuantityChange,
		QuantityBefore: move.QuantityBefore,
		QuantityAfter:  move.QuantityAfter,
		RefType:        string(move.RefType),
		RefID:          move.RefID,
		ActorID:        move.ActorID,
		OccurredAt:     move.CreatedAt,
	}
}
