package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/tezmarket/api/internal/domain"
	"github.com/tezmarket/api/internal/platform/idempotency"
	"github.com/tezmarket/api/internal/repositories"
)

const (
	orderIDPrefix       = "ord_"
	orderNumberCounter  = "orders"
	placementIdempTTL   = 24 * time.Hour
	placementRetryDelay = 50 * time.Millisecond
)

var (
	// ErrCheckoutInvalidInput signals the caller provided invalid data or an empty cart.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutConflict indicates a concurrent placement with the same idempotency key.
	ErrCheckoutConflict = errors.New("checkout: conflict")
	// ErrCheckoutPriceChanged indicates a cart line's price no longer matches the live stock record.
	ErrCheckoutPriceChanged = errors.New("checkout: price changed")
)

// CheckoutServiceDeps bundles collaborators required to construct the checkout service.
type CheckoutServiceDeps struct {
	Orders      repositories.OrderRepository
	Carts       repositories.CartRepository
	Counters    repositories.CounterRepository
	Idempotency idempotency.Store
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	StockEvents StockEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders      repositories.OrderRepository
	carts       repositories.CartRepository
	counters    repositories.CounterRepository
	idempotency idempotency.Store
	clock       func() time.Time
	newID       func() string
	events      OrderEventPublisher
	stockEvents StockEventPublisher
	logger      func(context.Context, string, map[string]any)
}

// NewCheckoutService wires dependencies into a concrete CheckoutService implementation.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("checkout service: counter repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		orders:      deps.Orders,
		carts:       deps.Carts,
		counters:    deps.Counters,
		idempotency: deps.Idempotency,
		clock:       func() time.Time { return clock().UTC() },
		newID:       idGen,
		events:      deps.Events,
		stockEvents: deps.StockEvents,
		logger:      logger,
	}, nil
}

func (s *checkoutService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (PlaceOrderOutcome, error) {
	userID := strings.TrimSpace(cmd.Actor.ID)
	if userID == "" {
		return PlaceOrderOutcome{}, fmt.Errorf("%w: actor is required", ErrCheckoutInvalidInput)
	}
	branchID := strings.TrimSpace(cmd.BranchID)
	if branchID == "" {
		return PlaceOrderOutcome{}, fmt.Errorf("%w: branch id is required", ErrCheckoutInvalidInput)
	}
	addressID := strings.TrimSpace(cmd.AddressID)
	if addressID == "" {
		return PlaceOrderOutcome{}, fmt.Errorf("%w: address id is required", ErrCheckoutInvalidInput)
	}

	items, err := s.carts.ListItems(ctx, userID)
	if err != nil {
		return PlaceOrderOutcome{}, mapOrderRepositoryError(err)
	}
	if len(items) == 0 {
		return PlaceOrderOutcome{}, fmt.Errorf("%w: cart is empty", ErrCheckoutInvalidInput)
	}

	now := s.clock()
	key := strings.TrimSpace(cmd.IdempotencyKey)
	fingerprint := placementFingerprint(userID, branchID, addressID, items)

	if key != "" && s.idempotency != nil {
		reservation, err := s.idempotency.Reserve(ctx, key, fingerprint, now, placementIdempTTL)
		if err != nil {
			if errors.Is(err, idempotency.ErrFingerprintMismatch) {
				return PlaceOrderOutcome{}, fmt.Errorf("%w: idempotency key reused with a different cart", ErrCheckoutConflict)
			}
			return PlaceOrderOutcome{}, err
		}
		switch reservation.State {
		case idempotency.ReservationStateCompleted:
			var stored domain.Order
			if err := json.Unmarshal(reservation.Record.ResponseBody, &stored); err != nil {
				return PlaceOrderOutcome{}, fmt.Errorf("checkout: decode stored placement: %w", err)
			}
			return PlaceOrderOutcome{Order: stored, Replayed: true}, nil
		case idempotency.ReservationStatePending:
			return PlaceOrderOutcome{}, fmt.Errorf("%w: placement already in progress", ErrCheckoutConflict)
		}
	}

	order, err := s.buildOrder(ctx, cmd, items, now)
	if err != nil {
		s.releaseReservation(ctx, key, fingerprint)
		return PlaceOrderOutcome{}, err
	}

	result, err := s.placeWithRetry(ctx, repositories.PlaceOrderRequest{
		Order:       order,
		ClearCart:   true,
		CartItemIDs: cartItemIDs(items),
		ActorID:     userID,
		Now:         now,
	})
	if err != nil {
		s.releaseReservation(ctx, key, fingerprint)
		return PlaceOrderOutcome{}, s.mapPlacementError(err)
	}

	if key != "" && s.idempotency != nil {
		body, err := json.Marshal(result.Order)
		if err == nil {
			err = s.idempotency.SaveResponse(ctx, key, fingerprint, idempotency.Response{
				Status: http.StatusCreated,
				Body:   body,
			}, s.clock(), placementIdempTTL)
		}
		if err != nil {
			// A reservation without a stored response can never replay; release
			// it so a retry with the same key is not locked out until the TTL.
			s.releaseReservation(ctx, key, fingerprint)
			s.logger(ctx, "checkout.idempotency.save.failed", map[string]any{
				"order": result.Order.ID,
				"error": err.Error(),
			})
		}
	}

	s.publishPlacement(ctx, result, userID)
	return PlaceOrderOutcome{Order: result.Order, Movements: result.Movements}, nil
}

func (s *checkoutService) buildOrder(ctx context.Context, cmd PlaceOrderCommand, items []CartItem, now time.Time) (Order, error) {
	currency := ""
	orderItems := make([]domain.OrderItem, 0, len(items))
	var total int64
	for _, item := range items {
		if item.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: cart line %s has non-positive quantity", ErrCheckoutInvalidInput, item.SKU)
		}
		if currency == "" {
			currency = item.Currency
		} else if item.Currency != currency {
			return Order{}, fmt.Errorf("%w: cart mixes currencies %s and %s", ErrCheckoutInvalidInput, currency, item.Currency)
		}
		lineTotal := item.UnitPrice * int64(item.Quantity)
		orderItems = append(orderItems, domain.OrderItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     lineTotal,
		})
		total += lineTotal
	}

	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}

	return Order{
		ID:          orderIDPrefix + s.newID(),
		OrderNumber: number,
		UserID:      strings.TrimSpace(cmd.Actor.ID),
		BranchID:    strings.TrimSpace(cmd.BranchID),
		AddressID:   strings.TrimSpace(cmd.AddressID),
		PromocodeID: cmd.PromocodeID,
		Currency:    currency,
		TotalAmount: total,
		Items:       orderItems,
	}, nil
}

// placeWithRetry retries the placement transaction once when the store reports
// a transient outage. Logical failures surface immediately.
func (s *checkoutService) placeWithRetry(ctx context.Context, req repositories.PlaceOrderRequest) (repositories.PlaceOrderResult, error) {
	result, err := s.orders.Place(ctx, req)
	if err == nil || !isTransient(err) {
		return result, err
	}

	s.logger(ctx, "checkout.place.retry", map[string]any{
		"order": req.Order.ID,
		"error": err.Error(),
	})

	select {
	case <-ctx.Done():
		return repositories.PlaceOrderResult{}, ctx.Err()
	case <-time.After(placementRetryDelay):
	}
	return s.orders.Place(ctx, req)
}

func (s *checkoutService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("TM-%04d-%06d", now.Year(), seq), nil
}

func (s *checkoutService) releaseReservation(ctx context.Context, key, fingerprint string) {
	if key == "" || s.idempotency == nil {
		return
	}
	if err := s.idempotency.Release(ctx, key, fingerprint); err != nil {
		s.logger(ctx, "checkout.idempotency.release.failed", map[string]any{
			"error": err.Error(),
		})
	}
}

func (s *checkoutService) mapPlacementError(err error) error {
	if err == nil {
		return nil
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return fmt.Errorf("%w: %v", ErrInventoryInsufficientStock, err)
		case repositories.InventoryErrorStockNotFound:
			return fmt.Errorf("%w: %v", ErrInventoryNotFound, err)
		case repositories.InventoryErrorPriceChanged:
			return fmt.Errorf("%w: %v", ErrCheckoutPriceChanged, err)
		}
	}
	return mapOrderRepositoryError(err)
}

func (s *checkoutService) publishPlacement(ctx context.Context, result repositories.PlaceOrderResult, actorID string) {
	if s.events != nil {
		err := s.events.PublishOrderEvent(ctx, OrderEvent{
			Type:          orderEventCreated,
			OrderID:       result.Order.ID,
			OrderNumber:   result.Order.OrderNumber,
			CurrentStatus: string(result.Order.Status),
			ActorID:       actorID,
			OccurredAt:    s.clock(),
		})
		if err != nil {
			s.logger(ctx, "order.event.publish.failed", map[string]any{
				"type":  orderEventCreated,
				"order": result.Order.ID,
				"error": err.Error(),
			})
		}
	}
	if s.stockEvents != nil {
		for _, move := range result.Movements {
			if err := s.stockEvents.PublishStockMovement(ctx, stockMovementEvent(move)); err != nil {
				s.logger(ctx, "stock.event.publish.failed", map[string]any{
					"movement": move.ID,
					"sku":      move.SKU,
					"error":    err.Error(),
				})
			}
		}
	}
}

// placementFingerprint binds an idempotency key to the exact cart contents so
// a reused key with a different cart is rejected instead of replayed.
func placementFingerprint(userID, branchID, addressID string, items []CartItem) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("%s:%d:%d", item.SKU, item.Quantity, item.UnitPrice))
	}
	sort.Strings(lines)
	parts := append([]string{userID, branchID, addressID}, lines...)
	return idempotency.Fingerprint(parts...)
}

func cartItemIDs(items []CartItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if id := strings.TrimSpace(item.ID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func isTransient(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
