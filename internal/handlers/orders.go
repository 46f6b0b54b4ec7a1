package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/tezmarket/api/internal/domain"
	"github.com/tezmarket/api/internal/platform/auth"
	"github.com/tezmarket/api/internal/platform/httpx"
	"github.com/tezmarket/api/internal/services"
)

const (
	maxOrderBodySize     = 16 * 1024
	idempotencyKeyHeader = "Idempotency-Key"
)

type placeOrderRequest struct {
	BranchID    string  `json:"branch_id"`
	AddressID   string  `json:"address_id"`
	PromocodeID *string `json:"promocode_id"`
}

type transitionOrderRequest struct {
	Status           string  `json:"status"`
	CancelReason     *string `json:"cancel_reason"`
	ConcurrencyStamp string  `json:"concurrencyStamp"`
}

type cancelOrderRequest struct {
	Reason           *string `json:"reason"`
	ConcurrencyStamp string  `json:"concurrencyStamp"`
}

// OrderHandlers exposes the order lifecycle endpoints.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	checkout services.CheckoutService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, checkout services.CheckoutService) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		orders:   orders,
		checkout: checkout,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/", h.listOrders)
	r.Post("/", h.placeOrder)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:return", h.requestReturn)
	r.Post("/{orderID}:transition", h.transitionOrder)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	pagination, err := parsePagination(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	cmd := services.ListOrdersCommand{
		UserID:     strings.TrimSpace(query.Get("user_id")),
		BranchID:   strings.TrimSpace(query.Get("branch_id")),
		RiderID:    strings.TrimSpace(query.Get("rider_id")),
		Status:     parseFilterValues(query["status"]),
		Pagination: pagination,
		Actor:      actorFromIdentity(identity),
	}

	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.To = &ts
	}

	page, err := h.orders.ListOrders(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{
		OrderID: orderID,
		Actor:   actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.SetConcurrencyStamp(w, order.ConcurrencyStamp)
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req placeOrderRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	outcome, err := h.checkout.PlaceOrder(ctx, services.PlaceOrderCommand{
		BranchID:       req.BranchID,
		AddressID:      req.AddressID,
		PromocodeID:    req.PromocodeID,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)),
		Actor:          actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	status := http.StatusCreated
	if outcome.Replayed {
		status = http.StatusOK
	}
	httpx.SetConcurrencyStamp(w, outcome.Order.ConcurrencyStamp)
	writeJSONResponse(w, status, orderResponse{Order: buildOrderPayload(outcome.Order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	if !decodeOptionalBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.CancelOwnOrder(ctx, services.CancelOrderCommand{
		OrderID:       orderID,
		ExpectedStamp: expectedStamp(r, req.ConcurrencyStamp),
		Reason:        req.Reason,
		Actor:         actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.SetConcurrencyStamp(w, order.ConcurrencyStamp)
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) requestReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	if !decodeOptionalBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.RequestReturn(ctx, services.ReturnOrderCommand{
		OrderID:       orderID,
		ExpectedStamp: expectedStamp(r, req.ConcurrencyStamp),
		Reason:        req.Reason,
		Actor:         actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.SetConcurrencyStamp(w, order.ConcurrencyStamp)
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req transitionOrderRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	nextStatus := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if nextStatus == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.TransitionOrderCommand{
		OrderID:       orderID,
		NextStatus:    nextStatus,
		ExpectedStamp: expectedStamp(r, req.ConcurrencyStamp),
		CancelReason:  req.CancelReason,
		Actor:         actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.SetConcurrencyStamp(w, order.ConcurrencyStamp)
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func concurrencyStampFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(httpx.ConcurrencyStampHeader))
}

// expectedStamp resolves the caller's concurrency token; a stamp in the
// request body wins over the header.
func expectedStamp(r *http.Request, bodyStamp string) string {
	if stamp := strings.TrimSpace(bodyStamp); stamp != "" {
		return stamp
	}
	return concurrencyStampFromRequest(r)
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func decodeOptionalBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody):
			return true
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return err == nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Total       int64  `json:"total"`
	CreatedAt   string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID               string             `json:"id"`
	OrderNumber      string             `json:"order_number"`
	UserID           string             `json:"user_id"`
	BranchID         string             `json:"branch_id"`
	AddressID        string             `json:"address_id,omitempty"`
	RiderID          *string            `json:"rider_id,omitempty"`
	Status           string             `json:"status"`
	PaymentStatus    string             `json:"payment_status,omitempty"`
	Currency         string             `json:"currency"`
	TotalAmount      int64              `json:"total_amount"`
	Items            []orderItemPayload `json:"items"`
	PromocodeID      *string            `json:"promocode_id,omitempty"`
	ConcurrencyStamp string             `json:"concurrency_stamp"`
	CancelReason     *string            `json:"cancel_reason,omitempty"`
	CreatedAt        string             `json:"created_at"`
	UpdatedAt        string             `json:"updated_at,omitempty"`
	PlacedAt         string             `json:"placed_at,omitempty"`
	DeliveredAt      string             `json:"delivered_at,omitempty"`
	CanceledAt       string             `json:"canceled_at,omitempty"`
	ReturnedAt       string             `json:"returned_at,omitempty"`
}

type orderItemPayload struct {
	ProductID string  `json:"product_id"`
	VariantID *string `json:"variant_id,omitempty"`
	SKU       string  `json:"sku"`
	Name      string  `json:"name,omitempty"`
	Quantity  int     `json:"quantity"`
	UnitPrice int64   `json:"unit_price"`
	Total     int64   `json:"total"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		Status:      strings.TrimSpace(string(order.Status)),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		Total:       order.TotalAmount,
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}

	return orderPayload{
		ID:               strings.TrimSpace(order.ID),
		OrderNumber:      strings.TrimSpace(order.OrderNumber),
		UserID:           strings.TrimSpace(order.UserID),
		BranchID:         strings.TrimSpace(order.BranchID),
		AddressID:        strings.TrimSpace(order.AddressID),
		RiderID:          order.RiderID,
		Status:           strings.TrimSpace(string(order.Status)),
		PaymentStatus:    strings.TrimSpace(string(order.PaymentStatus)),
		Currency:         strings.ToUpper(strings.TrimSpace(order.Currency)),
		TotalAmount:      order.TotalAmount,
		Items:            items,
		PromocodeID:      order.PromocodeID,
		ConcurrencyStamp: order.ConcurrencyStamp,
		CancelReason:     order.CancelReason,
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
		PlacedAt:         formatTimePtr(order.PlacedAt),
		DeliveredAt:      formatTimePtr(order.DeliveredAt),
		CanceledAt:       formatTimePtr(order.CanceledAt),
		ReturnedAt:       formatTimePtr(order.ReturnedAt),
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("concurrency_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutConflict):
		httpx.WriteError(ctx, w, httpx.NewError("concurrency_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("VALIDATION_ERROR", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("stock_not_found", "no stock record for an ordered item", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutPriceChanged):
		httpx.WriteError(ctx, w, httpx.NewError("price_changed", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
