package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/tezmarket/api/internal/domain"
	pfirestore "github.com/tezmarket/api/internal/platform/firestore"
	"github.com/tezmarket/api/internal/repositories"
)

const ordersCollection = "orders"

type orderDocument struct {
	OrderNumber      string              `firestore:"orderNumber"`
	UserID           string              `firestore:"userId"`
	BranchID         string              `firestore:"branchId"`
	AddressID        string              `firestore:"addressId"`
	RiderID          *string             `firestore:"riderId,omitempty"`
	Status           string              `firestore:"status"`
	PaymentStatus    string              `firestore:"paymentStatus"`
	Currency         string              `firestore:"currency"`
	TotalAmount      int64               `firestore:"totalAmount"`
	Items            []orderItemDocument `firestore:"items"`
	PromocodeID      *string             `firestore:"promocodeId,omitempty"`
	ConcurrencyStamp string              `firestore:"concurrencyStamp"`
	StockCommitted   bool                `firestore:"stockCommitted"`
	CancelReason     *string             `firestore:"cancelReason,omitempty"`
	CreatedBy        *string             `firestore:"createdBy,omitempty"`
	UpdatedBy        *string             `firestore:"updatedBy,omitempty"`
	CreatedAt        time.Time           `firestore:"createdAt"`
	UpdatedAt        time.Time           `firestore:"updatedAt"`
	PlacedAt         *time.Time          `firestore:"placedAt,omitempty"`
	DeliveredAt      *time.Time          `firestore:"deliveredAt,omitempty"`
	CanceledAt       *time.Time          `firestore:"canceledAt,omitempty"`
	ReturnedAt       *time.Time          `firestore:"returnedAt,omitempty"`
}

type orderItemDocument struct {
	ProductID string  `firestore:"productId"`
	VariantID *string `firestore:"variantId,omitempty"`
	SKU       string  `firestore:"sku"`
	Name      string  `firestore:"name"`
	Quantity  int     `firestore:"quantity"`
	UnitPrice int64   `firestore:"unitPrice"`
	Total     int64   `firestore:"total"`
}

// OrderRepository persists order aggregates. Placement and guarded status
// updates run in single Firestore transactions so the order document, the
// movement ledger and the stock column stay mutually consistent.
type OrderRepository struct {
	provider  *pfirestore.Provider
	orders    *pfirestore.BaseRepository[orderDocument]
	stocks    *pfirestore.BaseRepository[stockDocument]
	movements *pfirestore.BaseRepository[movementDocument]
	newID     func() string
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider:  provider,
		orders:    pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
		stocks:    pfirestore.NewBaseRepository[stockDocument](provider, stocksCollection, nil, nil),
		movements: pfirestore.NewBaseRepository[movementDocument](provider, movementsCollection, nil, nil),
		newID:     func() string { return ulid.Make().String() },
	}, nil
}

// Place creates the order, appends one removal ledger row per item, decrements
// stock and deletes the consumed cart rows, all in one transaction. Item unit
// prices are revalidated against the live stock documents before anything
// commits.
func (r *OrderRepository) Place(ctx context.Context, req repositories.PlaceOrderRequest) (repositories.PlaceOrderResult, error) {
	if r == nil || r.provider == nil {
		return repositories.PlaceOrderResult{}, errors.New("order repository not initialised")
	}
	order := req.Order
	if strings.TrimSpace(order.ID) == "" {
		return repositories.PlaceOrderResult{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order id is required", nil)
	}
	if strings.TrimSpace(order.UserID) == "" {
		return repositories.PlaceOrderResult{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order user id is required", nil)
	}
	if len(order.Items) == 0 {
		return repositories.PlaceOrderResult{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order requires at least one item", nil)
	}

	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return repositories.PlaceOrderResult{}, wrapOrderError("order.place", err)
	}

	var result repositories.PlaceOrderResult
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		if _, err := tx.Get(orderRef); err == nil {
			return repositories.NewOrderError(repositories.OrderErrorAlreadyExists, fmt.Sprintf("order %s already exists", order.ID), nil)
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		// All reads happen before the first write: stock per line, then the
		// buyer's cart rows.
		type lineState struct {
			ref   *firestore.DocumentRef
			stock stockDocument
			item  domain.OrderItem
		}
		lines := make([]lineState, 0, len(order.Items))
		for _, item := range order.Items {
			sku := strings.TrimSpace(item.SKU)
			if sku == "" || item.Quantity <= 0 {
				return repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order item requires sku and positive quantity", nil)
			}
			stockRef, err := r.stocks.DocumentRef(ctx, sku)
			if err != nil {
				return err
			}
			snap, err := tx.Get(stockRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", sku), err)
				}
				return err
			}
			var stock stockDocument
			if err := snap.DataTo(&stock); err != nil {
				return fmt.Errorf("decode stock %s: %w", sku, err)
			}
			if stock.SellingPrice != item.UnitPrice {
				return repositories.NewInventoryError(repositories.InventoryErrorPriceChanged, fmt.Sprintf("price for %s changed from %d to %d", sku, item.UnitPrice, stock.SellingPrice), nil)
			}
			lines = append(lines, lineState{ref: stockRef, stock: stock, item: item})
		}

		// Only the snapshotted cart rows are deleted. Lines added after the
		// coordinator priced the order stay in the cart untouched.
		var cartRefs []*firestore.DocumentRef
		if req.ClearCart {
			for _, itemID := range req.CartItemIDs {
				id := strings.TrimSpace(itemID)
				if id == "" {
					continue
				}
				cartRefs = append(cartRefs, client.Collection(cartItemsCollection).Doc(id))
			}
		}

		movements := make([]domain.InventoryMovement, 0, len(lines))
		for _, line := range lines {
			moveID := r.newID()
			moveReq := repositories.ApplyMovementRequest{
				SKU:            line.item.SKU,
				ProductID:      line.item.ProductID,
				VariantID:      line.item.VariantID,
				VendorID:       line.stock.VendorID,
				BranchID:       line.stock.BranchID,
				Type:           domain.MovementRemoved,
				QuantityChange: -line.item.Quantity,
				RefType:        domain.MovementRefOrder,
				RefID:          order.ID,
				ActorID:        req.ActorID,
				Now:            now,
			}
			stock := line.stock
			moveDoc, stockDoc, err := buildMovement(moveReq, &stock, now)
			if err != nil {
				return err
			}
			moveRef, err := r.movements.DocumentRef(ctx, moveID)
			if err != nil {
				return err
			}
			if err := tx.Set(line.ref, stockDoc); err != nil {
				return err
			}
			if err := tx.Set(moveRef, moveDoc); err != nil {
				return err
			}
			movements = append(movements, moveDoc.toDomain(moveID))
		}

		stored := order
		stored.Status = domain.OrderStatusPending
		if stored.PaymentStatus == "" {
			stored.PaymentStatus = domain.PaymentStatusUnpaid
		}
		stored.ConcurrencyStamp = domain.NewConcurrencyStamp()
		stored.StockCommitted = true
		stored.CreatedAt = now
		stored.UpdatedAt = now
		stored.PlacedAt = &now
		if actor := strings.TrimSpace(req.ActorID); actor != "" {
			stored.Audit.CreatedBy = &actor
		}

		if err := tx.Create(orderRef, newOrderDocument(stored)); err != nil {
			return err
		}
		for _, ref := range cartRefs {
			if err := tx.Delete(ref); err != nil {
				return err
			}
		}

		result = repositories.PlaceOrderResult{Order: stored, Movements: movements}
		return nil
	})
	if err != nil {
		return repositories.PlaceOrderResult{}, wrapOrderError("order.place", err)
	}
	return result, nil
}

// UpdateStatus transitions the order after comparing the supplied concurrency
// stamp against the stored one. When restoration is requested and the order
// still holds committed stock, one reverting ledger row per item is written in
// the same transaction.
func (r *OrderRepository) UpdateStatus(ctx context.Context, req repositories.OrderStatusUpdateRequest) (repositories.OrderStatusUpdateResult, error) {
	if r == nil || r.provider == nil {
		return repositories.OrderStatusUpdateResult{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return repositories.OrderStatusUpdateResult{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order id is required", nil)
	}
	if !domain.ValidOrderStatus(req.NextStatus) {
		return repositories.OrderStatusUpdateResult{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, fmt.Sprintf("unknown status %q", req.NextStatus), nil)
	}

	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var result repositories.OrderStatusUpdateResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewOrderError(repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", orderID), err)
			}
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}
		if doc.ConcurrencyStamp != strings.TrimSpace(req.ExpectedStamp) {
			return repositories.NewOrderError(repositories.OrderErrorStampMismatch, fmt.Sprintf("order %s was modified concurrently", orderID), nil)
		}

		restore := req.RestoreStock && doc.StockCommitted

		type lineState struct {
			ref   *firestore.DocumentRef
			stock stockDocument
			item  orderItemDocument
		}
		var lines []lineState
		if restore {
			for _, item := range doc.Items {
				stockRef, err := r.stocks.DocumentRef(ctx, item.SKU)
				if err != nil {
					return err
				}
				stockSnap, err := tx.Get(stockRef)
				if err != nil {
					if status.Code(err) == codes.NotFound {
						return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", item.SKU), err)
					}
					return err
				}
				var stock stockDocument
				if err := stockSnap.DataTo(&stock); err != nil {
					return fmt.Errorf("decode stock %s: %w", item.SKU, err)
				}
				lines = append(lines, lineState{ref: stockRef, stock: stock, item: item})
			}
		}

		movements := make([]domain.InventoryMovement, 0, len(lines))
		for _, line := range lines {
			moveID := r.newID()
			moveReq := repositories.ApplyMovementRequest{
				SKU:            line.item.SKU,
				ProductID:      line.item.ProductID,
				VariantID:      line.item.VariantID,
				VendorID:       line.stock.VendorID,
				BranchID:       line.stock.BranchID,
				Type:           domain.MovementReverted,
				QuantityChange: line.item.Quantity,
				RefType:        domain.MovementRefOrder,
				RefID:          orderID,
				ActorID:        req.ActorID,
				Now:            now,
			}
			stock := line.stock
			moveDoc, stockDoc, err := buildMovement(moveReq, &stock, now)
			if err != nil {
				return err
			}
			moveRef, err := r.movements.DocumentRef(ctx, moveID)
			if err != nil {
				return err
			}
			if err := tx.Set(line.ref, stockDoc); err != nil {
				return err
			}
			if err := tx.Set(moveRef, moveDoc); err != nil {
				return err
			}
			movements = append(movements, moveDoc.toDomain(moveID))
		}

		doc.Status = string(req.NextStatus)
		doc.ConcurrencyStamp = domain.NewConcurrencyStamp()
		doc.UpdatedAt = now
		if restore {
			doc.StockCommitted = false
		}
		if req.RiderID != nil {
			doc.RiderID = req.RiderID
		}
		if req.CancelReason != nil {
			doc.CancelReason = req.CancelReason
		}
		if actor := strings.TrimSpace(req.ActorID); actor != "" {
			doc.UpdatedBy = &actor
		}
		switch req.NextStatus {
		case domain.OrderStatusDelivered:
			doc.DeliveredAt = &now
		case domain.OrderStatusCancelled, domain.OrderStatusRejected, domain.OrderStatusFailed:
			doc.CanceledAt = &now
		case domain.OrderStatusReturned:
			doc.ReturnedAt = &now
		}

		if err := tx.Set(orderRef, doc); err != nil {
			return err
		}

		result = repositories.OrderStatusUpdateResult{Order: doc.toDomain(orderID), Movements: movements}
		return nil
	})
	if err != nil {
		return repositories.OrderStatusUpdateResult{}, wrapOrderError("order.updateStatus", err)
	}
	return result, nil
}

// FindByID fetches the order aggregate.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order id is required", nil)
	}

	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		var fsErr *pfirestore.Error
		if errors.As(err, &fsErr) && fsErr.IsNotFound() {
			return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", id), err)
		}
		return domain.Order{}, wrapOrderError("order.find", err)
	}
	return doc.Data.toDomain(id), nil
}

// List returns orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapOrderError("order.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if branchID := strings.TrimSpace(filter.BranchID); branchID != "" {
		query = query.Where("branchId", "==", branchID)
	}
	if riderID := strings.TrimSpace(filter.RiderID); riderID != "" {
		query = query.Where("riderId", "==", riderID)
	}
	if len(filter.Status) == 1 {
		query = query.Where("status", "==", strings.TrimSpace(filter.Status[0]))
	} else if len(filter.Status) > 1 {
		query = query.Where("status", "in", filter.Status)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<", filter.DateRange.To.UTC())
	}

	query = query.OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("order.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var items []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("order.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		items = append(items, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(items) > pageSize
	if hasMore {
		items = items[:pageSize]
	}
	var nextToken string
	if hasMore && len(items) > 0 {
		last := items[len(items)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("order.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			VariantID: item.VariantID,
			SKU:       strings.TrimSpace(item.SKU),
			Name:      strings.TrimSpace(item.Name),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
	}
	return orderDocument{
		OrderNumber:      strings.TrimSpace(order.OrderNumber),
		UserID:           strings.TrimSpace(order.UserID),
		BranchID:         strings.TrimSpace(order.BranchID),
		AddressID:        strings.TrimSpace(order.AddressID),
		RiderID:          order.RiderID,
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		Currency:         strings.ToUpper(strings.TrimSpace(order.Currency)),
		TotalAmount:      order.TotalAmount,
		Items:            items,
		PromocodeID:      order.PromocodeID,
		ConcurrencyStamp: order.ConcurrencyStamp,
		StockCommitted:   order.StockCommitted,
		CancelReason:     order.CancelReason,
		CreatedBy:        order.Audit.CreatedBy,
		UpdatedBy:        order.Audit.UpdatedBy,
		CreatedAt:        order.CreatedAt,
		UpdatedAt:        order.UpdatedAt,
		PlacedAt:         order.PlacedAt,
		DeliveredAt:      order.DeliveredAt,
		CanceledAt:       order.CanceledAt,
		ReturnedAt:       order.ReturnedAt,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
	}
	return domain.Order{
		ID:               id,
		OrderNumber:      d.OrderNumber,
		UserID:           d.UserID,
		BranchID:         d.BranchID,
		AddressID:        d.AddressID,
		RiderID:          d.RiderID,
		Status:           domain.OrderStatus(d.Status),
		PaymentStatus:    domain.PaymentStatus(d.PaymentStatus),
		Currency:         d.Currency,
		TotalAmount:      d.TotalAmount,
		Items:            items,
		PromocodeID:      d.PromocodeID,
		ConcurrencyStamp: d.ConcurrencyStamp,
		StockCommitted:   d.StockCommitted,
		CancelReason:     d.CancelReason,
		Audit:            domain.Audit{CreatedBy: d.CreatedBy, UpdatedBy: d.UpdatedBy},
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
		PlacedAt:         d.PlacedAt,
		DeliveredAt:      d.DeliveredAt,
		CanceledAt:       d.CanceledAt,
		ReturnedAt:       d.ReturnedAt,
	}
}

type orderPageToken struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

func encodeOrderPageToken(token orderPageToken) (string, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(token); err != nil {
		return "", fmt.Errorf("encode order page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeOrderPageToken(encoded string) (*orderPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode order page token: %w", err)
	}
	var token orderPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode order page token json: %w", err)
	}
	return &token, nil
}

func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ordErr *repositories.OrderError
	if errors.As(err, &ordErr) {
		if ordErr.Op == "" {
			ordErr.Op = op
		}
		return ordErr
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	wrapped := repositories.NewOrderError(repositories.OrderErrorUnknown, err.Error(), err)
	wrapped.Op = op
	return wrapped
}
