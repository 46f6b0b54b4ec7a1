package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/tezmarket/api/internal/domain"
	"github.com/tezmarket/api/internal/platform/auth"
	"github.com/tezmarket/api/internal/services"
)

type stubInventoryService struct {
	recordFn func(context.Context, services.RecordMovementCommand) (services.InventoryMovement, error)
	adjustFn func(context.Context, services.AdjustStockCommand) (services.InventoryMovement, error)
	getFn    func(context.Context, services.GetStockCommand) (services.VariantStock, error)
	listFn   func(context.Context, services.ListMovementsCommand) (domain.CursorPage[services.InventoryMovement], error)
}

func (s *stubInventoryService) RecordMovement(ctx context.Context, cmd services.RecordMovementCommand) (services.InventoryMovement, error) {
	if s.recordFn != nil {
		return s.recordFn(ctx, cmd)
	}
	return services.InventoryMovement{}, errors.New("not implemented")
}

func (s *stubInventoryService) AdjustStock(ctx context.Context, cmd services.AdjustStockCommand) (services.InventoryMovement, error) {
	if s.adjustFn != nil {
		return s.adjustFn(ctx, cmd)
	}
	return services.InventoryMovement{}, errors.New("not implemented")
}

func (s *stubInventoryService) GetStock(ctx context.Context, cmd services.GetStockCommand) (services.VariantStock, error) {
	if s.getFn != nil {
		return s.getFn(ctx, cmd)
	}
	return services.VariantStock{}, errors.New("not implemented")
}

func (s *stubInventoryService) ListMovements(ctx context.Context, cmd services.ListMovementsCommand) (domain.CursorPage[services.InventoryMovement], error) {
	if s.listFn != nil {
		return s.listFn(ctx, cmd)
	}
	return domain.CursorPage[services.InventoryMovement]{}, nil
}

func newInventoryRouter(service services.InventoryService) chi.Router {
	handler := NewInventoryHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/inventory", handler.Routes)
	return router
}

func vendorAdminIdentity() *auth.Identity {
	return &auth.Identity{UID: "va-1", VendorID: "ven_1", Roles: []string{auth.RoleVendorAdmin}}
}

func TestGetStockReturnsPayload(t *testing.T) {
	service := &stubInventoryService{
		getFn: func(_ context.Context, cmd services.GetStockCommand) (services.VariantStock, error) {
			if cmd.SKU != "SKU-1" {
				return services.VariantStock{}, fmt.Errorf("unexpected sku %q", cmd.SKU)
			}
			return services.VariantStock{
				SKU:              "SKU-1",
				ProductID:        "prod_1",
				VendorID:         "ven_1",
				Quantity:         8,
				SellingPrice:     500,
				Currency:         "usd",
				ConcurrencyStamp: "stamp-s",
				UpdatedAt:        time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	router := newInventoryRouter(service)

	req := httptest.NewRequest(http.MethodGet, "/inventory/stocks/SKU-1", nil)
	req = withTestIdentity(req, vendorAdminIdentity())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var payload stockResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if payload.Stock.Quantity != 8 || payload.Stock.Currency != "USD" {
		t.Fatalf("unexpected stock payload %+v", payload.Stock)
	}
}

func TestGetStockNotFound(t *testing.T) {
	service := &stubInventoryService{
		getFn: func(context.Context, services.GetStockCommand) (services.VariantStock, error) {
			return services.VariantStock{}, services.ErrInventoryNotFound
		},
	}
	router := newInventoryRouter(service)

	req := httptest.NewRequest(http.MethodGet, "/inventory/stocks/SKU-missing", nil)
	req = withTestIdentity(req, vendorAdminIdentity())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestAdjustStockBuildsCommand(t *testing.T) {
	var captured services.AdjustStockCommand
	service := &stubInventoryService{
		adjustFn: func(_ context.Context, cmd services.AdjustStockCommand) (services.InventoryMovement, error) {
			captured = cmd
			return services.InventoryMovement{
				ID: "mov_1", SKU: cmd.SKU, Type: domain.MovementAdjusted,
				QuantityBefore: 8, QuantityChange: -3, QuantityAfter: 5,
			}, nil
		},
	}
	router := newInventoryRouter(service)

	body := bytes.NewBufferString(`{"target_quantity":5,"notes":"cycle count"}`)
	req := httptest.NewRequest(http.MethodPost, "/inventory/stocks/SKU-1:adjust", body)
	req = withTestIdentity(req, vendorAdminIdentity())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.SKU != "SKU-1" || captured.TargetQuantity != 5 || captured.Notes != "cycle count" {
		t.Fatalf("unexpected command %+v", captured)
	}

	var payload movementResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if payload.Movement.QuantityBefore+payload.Movement.QuantityChange != payload.Movement.QuantityAfter {
		t.Fatalf("ledger arithmetic broken in payload %+v", payload.Movement)
	}
}

func TestRecordMovementInsufficientStockMapsTo409(t *testing.T) {
	service := &stubInventoryService{
		recordFn: func(context.Context, services.RecordMovementCommand) (services.InventoryMovement, error) {
			return services.InventoryMovement{}, fmt.Errorf("%w: short by 3", services.ErrInventoryInsufficientStock)
		},
	}
	router := newInventoryRouter(service)

	body := bytes.NewBufferString(`{"sku":"SKU-1","vendor_id":"ven_1","type":"removed","quantity_change":-10}`)
	req := httptest.NewRequest(http.MethodPost, "/inventory/movements", body)
	req = withTestIdentity(req, vendorAdminIdentity())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload["error"] != "insufficient_stock" {
		t.Fatalf("expected insufficient_stock code, got %v", payload["error"])
	}
}

func TestRecordMovementReturns201(t *testing.T) {
	var captured services.RecordMovementCommand
	service := &stubInventoryService{
		recordFn: func(_ context.Context, cmd services.RecordMovementCommand) (services.InventoryMovement, error) {
			captured = cmd
			return services.InventoryMovement{ID: "mov_1", SKU: cmd.SKU, Type: cmd.Type, QuantityChange: cmd.QuantityChange, QuantityAfter: cmd.QuantityChange}, nil
		},
	}
	router := newInventoryRouter(service)

	body := bytes.NewBufferString(`{"sku":"SKU-1","vendor_id":"ven_1","type":"ADDED","quantity_change":5,"selling_price":500,"currency":"usd"}`)
	req := httptest.NewRequest(http.MethodPost, "/inventory/movements", body)
	req = withTestIdentity(req, vendorAdminIdentity())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Type != domain.MovementAdded {
		t.Fatalf("expected movement type to be lower-cased, got %s", captured.Type)
	}
}

func TestListMovementsBuildsCommand(t *testing.T) {
	var captured services.ListMovementsCommand
	service := &stubInventoryService{
		listFn: func(_ context.Context, cmd services.ListMovementsCommand) (domain.CursorPage[services.InventoryMovement], error) {
			captured = cmd
			return domain.CursorPage[services.InventoryMovement]{
				Items: []services.InventoryMovement{{ID: "mov_1", SKU: "SKU-1", Type: domain.MovementRemoved}},
			}, nil
		},
	}
	router := newInventoryRouter(service)

	req := httptest.NewRequest(http.MethodGet, "/inventory/movements?sku=SKU-1&type=removed,reverted&ref_type=order&page_size=5", nil)
	req = withTestIdentity(req, vendorAdminIdentity())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.SKU != "SKU-1" || captured.RefType != "order" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if len(captured.Types) != 2 {
		t.Fatalf("expected 2 type filters, got %v", captured.Types)
	}
	if captured.Pagination.PageSize != 5 {
		t.Fatalf("unexpected page size %d", captured.Pagination.PageSize)
	}
}
