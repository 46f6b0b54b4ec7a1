package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tezmarket/api/internal/platform/auth"
	"github.com/tezmarket/api/internal/platform/httpx"
	"github.com/tezmarket/api/internal/services"
)

type addCartItemRequest struct {
	ProductID string  `json:"product_id"`
	VariantID *string `json:"variant_id"`
	SKU       string  `json:"sku"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice int64   `json:"unit_price"`
	Currency  string  `json:"currency"`
}

// CartHandlers exposes the buyer's cart endpoints.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs a new CartHandlers instance.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes registers the /cart endpoints.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/", h.listCart)
	r.Delete("/", h.clearCart)
	r.Post("/items", h.addItem)
	r.Delete("/items/{itemID}", h.removeItem)
}

func (h *CartHandlers) listCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	items, err := h.carts.ListCart(ctx, actorFromIdentity(identity))
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	payload := make([]cartItemPayload, 0, len(items))
	var total int64
	for _, item := range items {
		payload = append(payload, buildCartItemPayload(item))
		total += item.UnitPrice * int64(item.Quantity)
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Items: payload, Total: total})
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req addCartItemRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	item, err := h.carts.AddItem(ctx, services.AddCartItemCommand{
		ProductID: strings.TrimSpace(req.ProductID),
		VariantID: req.VariantID,
		SKU:       strings.TrimSpace(req.SKU),
		Name:      strings.TrimSpace(req.Name),
		Quantity:  req.Quantity,
		UnitPrice: req.UnitPrice,
		Currency:  strings.TrimSpace(req.Currency),
		Actor:     actorFromIdentity(identity),
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, cartItemResponse{Item: buildCartItemPayload(item)})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item id is required", http.StatusBadRequest))
		return
	}

	if err := h.carts.RemoveItem(ctx, services.RemoveCartItemCommand{
		ItemID: itemID,
		Actor:  actorFromIdentity(identity),
	}); err != nil {
		writeCartError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	if err := h.carts.ClearCart(ctx, actorFromIdentity(identity)); err != nil {
		writeCartError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cartResponse struct {
	Items []cartItemPayload `json:"items"`
	Total int64             `json:"total"`
}

type cartItemResponse struct {
	Item cartItemPayload `json:"item"`
}

type cartItemPayload struct {
	ID        string  `json:"id"`
	ProductID string  `json:"product_id"`
	VariantID *string `json:"variant_id,omitempty"`
	SKU       string  `json:"sku"`
	Name      string  `json:"name,omitempty"`
	Quantity  int     `json:"quantity"`
	UnitPrice int64   `json:"unit_price"`
	Currency  string  `json:"currency"`
	CreatedAt string  `json:"created_at,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

func buildCartItemPayload(item services.CartItem) cartItemPayload {
	return cartItemPayload{
		ID:        item.ID,
		ProductID: item.ProductID,
		VariantID: item.VariantID,
		SKU:       item.SKU,
		Name:      item.Name,
		Quantity:  item.Quantity,
		UnitPrice: item.UnitPrice,
		Currency:  strings.ToUpper(strings.TrimSpace(item.Currency)),
		CreatedAt: formatTime(item.CreatedAt),
		UpdatedAt: formatTime(item.UpdatedAt),
	}
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart request", http.StatusInternalServerError))
	}
}
