package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/tezmarket/api/internal/domain"
	"github.com/tezmarket/api/internal/repositories"
)

type stubOrderRepo struct {
	placeFn        func(context.Context, repositories.PlaceOrderRequest) (repositories.PlaceOrderResult, error)
	updateStatusFn func(context.Context, repositories.OrderStatusUpdateRequest) (repositories.OrderStatusUpdateResult, error)
	findFn         func(context.Context, string) (domain.Order, error)
	listFn         func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
}

func (s *stubOrderRepo) Place(ctx context.Context, req repositories.PlaceOrderRequest) (repositories.PlaceOrderResult, error) {
	if s.placeFn != nil {
		return s.placeFn(ctx, req)
	}
	return repositories.PlaceOrderResult{}, errors.New("not implemented")
}

func (s *stubOrderRepo) UpdateStatus(ctx context.Context, req repositories.OrderStatusUpdateRequest) (repositories.OrderStatusUpdateResult, error) {
	if s.updateStatusFn != nil {
		return s.updateStatusFn(ctx, req)
	}
	return repositories.OrderStatusUpdateResult{}, errors.New("not implemented")
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

type capturingOrderEvents struct {
	events []OrderEvent
	err    error
}

func (c *capturingOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return c.err
}

type capturingStockEvents struct {
	events []StockMovementEvent
}

func (c *capturingStockEvents) PublishStockMovement(_ context.Context, event StockMovementEvent) error {
	c.events = append(c.events, event)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func pendingOrder() domain.Order {
	return domain.Order{
		ID:               "ord_1",
		OrderNumber:      "TM-2025-000001",
		UserID:           "user_1",
		BranchID:         "br_1",
		Status:           domain.OrderStatusPending,
		ConcurrencyStamp: "stamp-1",
		StockCommitted:   true,
		Items: []domain.OrderItem{
			{ProductID: "prod_1", SKU: "SKU-1", Name: "Basmati Rice", Quantity: 2, UnitPrice: 500, Total: 1000},
		},
	}
}

func newTestOrderService(t *testing.T, repo *stubOrderRepo, events *capturingOrderEvents, stock *capturingStockEvents) OrderService {
	t.Helper()
	deps := OrderServiceDeps{
		Orders: repo,
		Clock:  fixedClock(time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)),
	}
	if events != nil {
		deps.Events = events
	}
	if stock != nil {
		deps.StockEvents = stock
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func TestTransitionStatusVendorAccepts(t *testing.T) {
	order := pendingOrder()
	var captured repositories.OrderStatusUpdateRequest
	repo := &stubOrderRepo{
		findFn: func(_ context.Context, id string) (domain.Order, error) {
			if id != order.ID {
				t.Fatalf("unexpected order id %s", id)
			}
			return order, nil
		},
		updateStatusFn: func(_ context.Context, req repositories.OrderStatusUpdateRequest) (repositories.OrderStatusUpdateResult, error) {
			captured = req
			updated := order
			updated.Status = req.NextStatus
			updated.ConcurrencyStamp = "stamp-2"
			return repositories.OrderStatusUpdateResult{Order: updated}, nil
		},
	}
	events := &capturingOrderEvents{}
	svc := newTestOrderService(t, repo, events, nil)

	updated, err := svc.TransitionStatus(context.Background(), TransitionOrderCommand{
		OrderID:       order.ID,
		NextStatus:    domain.OrderStatusAccepted,
		ExpectedStamp: "stamp-1",
		Actor:         Actor{ID: "vendor_admin_1", VendorID: "ven_1", Roles: []Role{domain.RoleVendorAdmin}},
	})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if updated.Status != domain.OrderStatusAccepted {
		t.Fatalf("unexpected status %s", updated.Status)
	}
	if updated.ConcurrencyStamp == "stamp-1" {
		t.Fatal("stamp must rotate on successful transition")
	}
	if captured.RestoreStock {
		t.Fatal("accepting must not restore stock")
	}
	if len(events.events) != 1 || events.events[0].Type != orderEventStatusChanged {
		t.Fatalf("expected one status change event, got %+v", events.events)
	}
	if events.events[0].PreviousStatus != "pending" || events.events[0].CurrentStatus != "accepted" {
		t.Fatalf("unexpected event statuses %+v", events.events[0])
	}
}

func TestTransitionStatusIllegalEdge(t *testing.T) {
	order := pendingOrder()
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return order, nil },
	}
	svc := newTestOrderService(t, repo, nil, nil)

	_, err := svc.TransitionStatus(context.Background(), TransitionOrderCommand{
		OrderID:       order.ID,
		NextStatus:    domain.OrderStatusDelivered,
		ExpectedStamp: "stamp-1",
		Actor:         Actor{ID: "admin_1", Roles: []Role{domain.RoleSuperAdmin}},
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestTransitionStatusForbiddenRole(t *testing.T) {
	order := pendingOrder()
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return order, nil },
	}
	svc := newTestOrderService(t, repo, nil, nil)

	_, err := svc.TransitionStatus(context.Background(), TransitionOrderCommand{
		OrderID:       order.ID,
		NextStatus:    domain.OrderStatusAccepted,
		ExpectedStamp: "stamp-1",
		Actor:         Actor{ID: "rider_1", Roles: []Role{domain.RoleRider}},
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestTransitionStatusStaleStamp(t *testing.T) {
	order := pendingOrder()
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return order, nil },
		updateStatusFn: func(context.Context, repositories.OrderStatusUpdateRequest) (repositories.OrderStatusUpdateResult, error) {
			return repositories.OrderStatusUpdateResult{}, repositories.NewOrderError(repositories.OrderErrorStampMismatch, "order ord_1 was modified concurrently", nil)
		},
	}
	svc := newTestOrderService(t, repo, nil, nil)

	_, err := svc.TransitionStatus(context.Background(), TransitionOrderCommand{
		OrderID:       order.ID,
		NextStatus:    domain.OrderStatusAccepted,
		ExpectedStamp: "stale",
		Actor:         Actor{ID: "vendor_admin_1", Roles: []Role{domain.RoleVendorAdmin}},
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestTransitionStatusCancellationRestoresStock(t *testing.T) {
	order := pendingOrder()
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return order, nil },
		updateStatusFn: func(_ context.Context, req repositories.OrderStatusUpdateRequest) (repositories.OrderStatusUpdateResult, error) {
			if !req.RestoreStock {
				t.Fatal("cancellation must request stock restoration")
			}
			updated := order
			updated.Status = req.NextStatus
			updated.StockCommitted = false
			return repositories.OrderStatusUpdateResult{
				Order: updated,
				Movements: []domain.InventoryMovement{
					{ID: "mov_1", SKU: "SKU-1", Type: domain.MovementReverted, QuantityChange: 2, QuantityBefore: 3, QuantityAfter: 5, RefType: domain.MovementRefOrder, RefID: order.ID},
				},
			}, nil
		},
	}
	stock := &capturingStockEvents{}
	svc := newTestOrderService(t, repo, nil, stock)

	updated, err := svc.TransitionStatus(context.Background(), TransitionOrderCommand{
		OrderID:       order.ID,
		NextStatus:    domain.OrderStatusCancelled,
		ExpectedStamp: "stamp-1",
		Actor:         Actor{ID: "vendor_admin_1", Roles: []Role{domain.RoleVendorAdmin}},
	})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if updated.StockCommitted {
		t.Fatal("stock must be released after restoration")
	}
	if len(stock.events) != 1 {
		t.Fatalf("expected one stock event, got %d", len(stock.events))
	}
	event := stock.events[0]
	if event.Type != string(domain.MovementReverted) || event.QuantityChange != 2 {
		t.Fatalf("unexpected stock event %+v", event)
	}
	if event.QuantityAfter != event.QuantityBefore+event.QuantityChange {
		t.Fatal("event must carry consistent ledger arithmetic")
	}
}

func TestTransitionStatusRiderPickupAssignsRider(t *testing.T) {
	order := pendingOrder()
	order.Status = domain.OrderStatusReadyForPickup
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return order, nil },
		updateStatusFn: func(_ context.Context, req repositories.OrderStatusUpdateRequest) (repositories.OrderStatusUpdateResult, error) {
			if req.RiderID == nil || *req.RiderID != "rider_7" {
				t.Fatalf("expected rider assignment, got %v", req.RiderID)
			}
			updated := order
			updated.Status = req.NextStatus
			updated.RiderID = req.RiderID
			return repositories.OrderStatusUpdateResult{Order: updated}, nil
		},
	}
	svc := newTestOrderService(t, repo, nil, nil)

	updated, err := svc.TransitionStatus(context.Background(), TransitionOrderCommand{
		OrderID:       order.ID,
		NextStatus:    domain.OrderStatusPickedUp,
		ExpectedStamp: "stamp-1",
		Actor:         Actor{ID: "rider_7", Roles: []Role{domain.RoleRider}},
	})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if updated.RiderID == nil || *updated.RiderID != "rider_7" {
		t.Fatalf("rider not assigned: %+v", updated.RiderID)
	}
}

func TestCancelOwnOrder(t *testing.T) {
	order := pendingOrder()
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return order, nil },
		updateStatusFn: func(_ context.Context, req repositories.OrderStatusUpdateRequest) (repositories.OrderStatusUpdateResult, error) {
			if req.NextStatus != domain.OrderStatusCancelled || !req.RestoreStock {
				t.Fatalf("unexpected update request %+v", req)
			}
			updated := order
			updated.Status = req.NextStatus
			return repositories.OrderStatusUpdateResult{Order: updated}, nil
		},
	}
	svc := newTestOrderService(t, repo, nil, nil)

	if _, err := svc.CancelOwnOrder(context.Background(), CancelOrderCommand{
		OrderID:       order.ID,
		ExpectedStamp: "stamp-1",
		Actor:         Actor{ID: "user_1", Roles: []Role{domain.RoleUser}},
	}); err != nil {
		t.Fatalf("CancelOwnOrder: %v", err)
	}
}

func TestCancelOwnOrderWrongOwner(t *testing.T) {
	order := pendingOrder()
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return order, nil },
	}
	svc := newTestOrderService(t, repo, nil, nil)

	_, err := svc.CancelOwnOrder(context.Background(), CancelOrderCommand{
		OrderID:       order.ID,
		ExpectedStamp: "stamp-1",
		Actor:         Actor{ID: "user_2", Roles: []Role{domain.RoleUser}},
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestCancelOwnOrderAfterAcceptance(t *testing.T) {
	order := pendingOrder()
	order.Status = domain.OrderStatusAccepted
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return order, nil },
	}
	svc := newTestOrderService(t, repo, nil, nil)

	_, err := svc.CancelOwnOrder(context.Background(), CancelOrderCommand{
		OrderID:       order.ID,
		ExpectedStamp: "stamp-1",
		Actor:         Actor{ID: "user_1", Roles: []Role{domain.RoleUser}},
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestRequestReturnDeliveredOrder(t *testing.T) {
	order := pendingOrder()
	order.Status = domain.OrderStatusDelivered
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return order, nil },
		updateStatusFn: func(_ context.Context, req repositories.OrderStatusUpdateRequest) (repositories.OrderStatusUpdateResult, error) {
			if req.NextStatus != domain.OrderStatusReturn {
				t.Fatalf("unexpected next status %s", req.NextStatus)
			}
			if req.RestoreStock {
				t.Fatal("return request must not restore stock")
			}
			updated := order
			updated.Status = req.NextStatus
			return repositories.OrderStatusUpdateResult{Order: updated}, nil
		},
	}
	events := &capturingOrderEvents{}
	svc := newTestOrderService(t, repo, events, nil)

	updated, err := svc.RequestReturn(context.Background(), ReturnOrderCommand{
		OrderID:       order.ID,
		ExpectedStamp: "stamp-1",
		Actor:         Actor{ID: "user_1", Roles: []Role{domain.RoleUser}},
	})
	if err != nil {
		t.Fatalf("RequestReturn: %v", err)
	}
	if updated.Status != domain.OrderStatusReturn {
		t.Fatalf("unexpected status %s", updated.Status)
	}
	if len(events.events) != 1 || events.events[0].Type != orderEventReturnRequested {
		t.Fatalf("expected return requested event, got %+v", events.events)
	}
}

func TestRequestReturnBeforeDelivery(t *testing.T) {
	order := pendingOrder()
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return order, nil },
	}
	svc := newTestOrderService(t, repo, nil, nil)

	_, err := svc.RequestReturn(context.Background(), ReturnOrderCommand{
		OrderID:       order.ID,
		ExpectedStamp: "stamp-1",
		Actor:         Actor{ID: "user_1", Roles: []Role{domain.RoleUser}},
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestGetOrderOwnership(t *testing.T) {
	order := pendingOrder()
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return order, nil },
	}
	svc := newTestOrderService(t, repo, nil, nil)

	if _, err := svc.GetOrder(context.Background(), GetOrderCommand{
		OrderID: order.ID,
		Actor:   Actor{ID: "user_1", Roles: []Role{domain.RoleUser}},
	}); err != nil {
		t.Fatalf("owner read should succeed: %v", err)
	}

	_, err := svc.GetOrder(context.Background(), GetOrderCommand{
		OrderID: order.ID,
		Actor:   Actor{ID: "user_2", Roles: []Role{domain.RoleUser}},
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestListOrdersScoping(t *testing.T) {
	var captured repositories.OrderListFilter
	repo := &stubOrderRepo{
		listFn: func(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			captured = filter
			return domain.CursorPage[domain.Order]{}, nil
		},
	}
	svc := newTestOrderService(t, repo, nil, nil)

	if _, err := svc.ListOrders(context.Background(), ListOrdersCommand{
		UserID: "someone-else",
		Actor:  Actor{ID: "user_1", Roles: []Role{domain.RoleUser}},
	}); err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if captured.UserID != "user_1" {
		t.Fatalf("end user listing must be scoped to self, got %q", captured.UserID)
	}

	if _, err := svc.ListOrders(context.Background(), ListOrdersCommand{
		Actor: Actor{ID: "rider_1", Roles: []Role{domain.RoleRider}},
	}); err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if captured.RiderID != "rider_1" {
		t.Fatalf("rider listing must be scoped to assignments, got %q", captured.RiderID)
	}
}

func TestListOrdersRejectsUnknownStatus(t *testing.T) {
	repo := &stubOrderRepo{
		listFn: func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			return domain.CursorPage[domain.Order]{}, nil
		},
	}
	svc := newTestOrderService(t, repo, nil, nil)

	_, err := svc.ListOrders(context.Background(), ListOrdersCommand{
		Status: []string{"shipped"},
		Actor:  Actor{ID: "admin_1", Roles: []Role{domain.RoleSuperAdmin}},
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}
