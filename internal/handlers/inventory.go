package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/tezmarket/api/internal/domain"
	"github.com/tezmarket/api/internal/platform/auth"
	"github.com/tezmarket/api/internal/platform/httpx"
	"github.com/tezmarket/api/internal/services"
)

type recordMovementRequest struct {
	SKU            string  `json:"sku"`
	ProductID      string  `json:"product_id"`
	VariantID      *string `json:"variant_id"`
	VendorID       string  `json:"vendor_id"`
	BranchID       string  `json:"branch_id"`
	Type           string  `json:"type"`
	QuantityChange int     `json:"quantity_change"`
	RefType        string  `json:"ref_type"`
	RefID          string  `json:"ref_id"`
	Notes          string  `json:"notes"`
	SellingPrice   int64   `json:"selling_price"`
	Currency       string  `json:"currency"`
}

type adjustStockRequest struct {
	TargetQuantity int    `json:"target_quantity"`
	Notes          string `json:"notes"`
}

// InventoryHandlers exposes the stock ledger endpoints for vendor staff.
type InventoryHandlers struct {
	authn     *auth.Authenticator
	inventory services.InventoryService
}

// NewInventoryHandlers constructs a new InventoryHandlers instance.
func NewInventoryHandlers(authn *auth.Authenticator, inventory services.InventoryService) *InventoryHandlers {
	return &InventoryHandlers{
		authn:     authn,
		inventory: inventory,
	}
}

// Routes registers the /inventory endpoints.
func (h *InventoryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleVendorAdmin, auth.RoleSuperAdmin))
	}
	r.Get("/stocks/{sku}", h.getStock)
	r.Post("/stocks/{sku}:adjust", h.adjustStock)
	r.Get("/movements", h.listMovements)
	r.Post("/movements", h.recordMovement)
}

func (h *InventoryHandlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	sku := strings.TrimSpace(chi.URLParam(r, "sku"))
	if sku == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sku is required", http.StatusBadRequest))
		return
	}

	stock, err := h.inventory.GetStock(ctx, services.GetStockCommand{
		SKU:   sku,
		Actor: actorFromIdentity(identity),
	})
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	httpx.SetConcurrencyStamp(w, stock.ConcurrencyStamp)
	writeJSONResponse(w, http.StatusOK, stockResponse{Stock: buildStockPayload(stock)})
}

func (h *InventoryHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	sku := strings.TrimSpace(chi.URLParam(r, "sku"))
	if sku == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sku is required", http.StatusBadRequest))
		return
	}

	var req adjustStockRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	movement, err := h.inventory.AdjustStock(ctx, services.AdjustStockCommand{
		SKU:            sku,
		TargetQuantity: req.TargetQuantity,
		Notes:          strings.TrimSpace(req.Notes),
		Actor:          actorFromIdentity(identity),
	})
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, movementResponse{Movement: buildMovementPayload(movement)})
}

func (h *InventoryHandlers) recordMovement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req recordMovementRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	movement, err := h.inventory.RecordMovement(ctx, services.RecordMovementCommand{
		SKU:            strings.TrimSpace(req.SKU),
		ProductID:      strings.TrimSpace(req.ProductID),
		VariantID:      req.VariantID,
		VendorID:       strings.TrimSpace(req.VendorID),
		BranchID:       strings.TrimSpace(req.BranchID),
		Type:           domain.MovementType(strings.ToLower(strings.TrimSpace(req.Type))),
		QuantityChange: req.QuantityChange,
		RefType:        domain.MovementRef(strings.ToLower(strings.TrimSpace(req.RefType))),
		RefID:          strings.TrimSpace(req.RefID),
		Notes:          strings.TrimSpace(req.Notes),
		SellingPrice:   req.SellingPrice,
		Currency:       strings.TrimSpace(req.Currency),
		Actor:          actorFromIdentity(identity),
	})
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, movementResponse{Movement: buildMovementPayload(movement)})
}

func (h *InventoryHandlers) listMovements(w http.ResponseWriter, r *http.Request) {
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

	cmd := services.ListMovementsCommand{
		SKU:        strings.TrimSpace(query.Get("sku")),
		ProductID:  strings.TrimSpace(query.Get("product_id")),
		VendorID:   strings.TrimSpace(query.Get("vendor_id")),
		BranchID:   strings.TrimSpace(query.Get("branch_id")),
		Types:      parseFilterValues(query["type"]),
		RefType:    strings.ToLower(strings.TrimSpace(query.Get("ref_type"))),
		RefID:      strings.TrimSpace(query.Get("ref_id")),
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

	page, err := h.inventory.ListMovements(ctx, cmd)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	items := make([]movementPayload, 0, len(page.Items))
	for _, movement := range page.Items {
		items = append(items, buildMovementPayload(movement))
	}
	writeJSONResponse(w, http.StatusOK, movementListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

type stockResponse struct {
	Stock stockPayload `json:"stock"`
}

type stockPayload struct {
	SKU          string  `json:"sku"`
	ProductID    string  `json:"product_id"`
	VariantID    *string `json:"variant_id,omitempty"`
	VendorID     string  `json:"vendor_id,omitempty"`
	BranchID     string  `json:"branch_id,omitempty"`
	Quantity     int     `json:"quantity"`
	SellingPrice int64   `json:"selling_price"`
	Currency     string  `json:"currency"`
	UpdatedAt    string  `json:"updated_at,omitempty"`
}

type movementResponse struct {
	Movement movementPayload `json:"movement"`
}

type movementListResponse struct {
	Items         []movementPayload `json:"items"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

type movementPayload struct {
	ID             string  `json:"id"`
	SKU            string  `json:"sku"`
	ProductID      string  `json:"product_id,omitempty"`
	VariantID      *string `json:"variant_id,omitempty"`
	VendorID       string  `json:"vendor_id,omitempty"`
	BranchID       string  `json:"branch_id,omitempty"`
	Type           string  `json:"type"`
	QuantityChange int     `json:"quantity_change"`
	QuantityBefore int     `json:"quantity_before"`
	QuantityAfter  int     `json:"quantity_after"`
	RefType        string  `json:"ref_type,omitempty"`
	RefID          string  `json:"ref_id,omitempty"`
	ActorID        string  `json:"actor_id,omitempty"`
	Notes          string  `json:"notes,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

func buildStockPayload(stock services.VariantStock) stockPayload {
	return stockPayload{
		SKU:          stock.SKU,
		ProductID:    stock.ProductID,
		VariantID:    stock.VariantID,
		VendorID:     stock.VendorID,
		BranchID:     stock.BranchID,
		Quantity:     stock.Quantity,
		SellingPrice: stock.SellingPrice,
		Currency:     strings.ToUpper(strings.TrimSpace(stock.Currency)),
		UpdatedAt:    formatTime(stock.UpdatedAt),
	}
}

func buildMovementPayload(movement services.InventoryMovement) movementPayload {
	return movementPayload{
		ID:             movement.ID,
		SKU:            movement.SKU,
		ProductID:      movement.ProductID,
		VariantID:      movement.VariantID,
		VendorID:       movement.VendorID,
		BranchID:       movement.BranchID,
		Type:           string(movement.Type),
		QuantityChange: movement.QuantityChange,
		QuantityBefore: movement.QuantityBefore,
		QuantityAfter:  movement.QuantityAfter,
		RefType:        string(movement.RefType),
		RefID:          movement.RefID,
		ActorID:        movement.ActorID,
		Notes:          movement.Notes,
		CreatedAt:      formatTime(movement.CreatedAt),
	}
}

func writeInventoryError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInventoryNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("stock_not_found", "stock record not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("inventory_error", "failed to process inventory request", http.StatusInternalServerError))
	}
}
