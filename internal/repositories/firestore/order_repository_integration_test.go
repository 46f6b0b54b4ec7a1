//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	domain "github.com/tezmarket/api/internal/domain"
	pconfig "github.com/tezmarket/api/internal/platform/config"
	pfirestore "github.com/tezmarket/api/internal/platform/firestore"
	"github.com/tezmarket/api/internal/repositories"
)

func TestOrderRepositoryIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "orders-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	orderRepo, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}
	inventoryRepo, err := NewInventoryRepository(provider)
	if err != nil {
		t.Fatalf("new inventory repository: %v", err)
	}
	cartRepo, err := NewCartRepository(provider)
	if err != nil {
		t.Fatalf("new cart repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Second)

	seedStock := func(sku string, qty int, price int64) {
		t.Helper()
		_, err := inventoryRepo.ApplyMovement(ctx, repositories.ApplyMovementRequest{
			SKU:            sku,
			ProductID:      "prod_" + sku,
			VendorID:       "ven_1",
			BranchID:       "br_1",
			Type:           domain.MovementAdded,
			QuantityChange: qty,
			RefType:        domain.MovementRefManual,
			RefID:          "seed",
			ActorID:        "va-1",
			SellingPrice:   price,
			Currency:       "usd",
			Now:            now,
		})
		if err != nil {
			t.Fatalf("seed stock %s: %v", sku, err)
		}
	}
	seedStock("SKU-1", 5, 500)
	seedStock("SKU-2", 3, 1500)

	addCartLine := func(sku string, qty int, price int64) string {
		t.Helper()
		line, err := cartRepo.UpsertItem(ctx, domain.CartItem{
			UserID:    "user-1",
			ProductID: "prod_" + sku,
			SKU:       sku,
			Name:      "item " + sku,
			Quantity:  qty,
			UnitPrice: price,
			Currency:  "usd",
		})
		if err != nil {
			t.Fatalf("seed cart line %s: %v", sku, err)
		}
		return line.ID
	}
	firstLine := addCartLine("SKU-1", 2, 500)
	secondLine := addCartLine("SKU-2", 1, 1500)

	order := domain.Order{
		ID:          "ord_int_1",
		OrderNumber: "TM-2026-000001",
		UserID:      "user-1",
		BranchID:    "br_1",
		AddressID:   "addr_1",
		Currency:    "usd",
		TotalAmount: 2500,
		Items: []domain.OrderItem{
			{ProductID: "prod_SKU-1", SKU: "SKU-1", Quantity: 2, UnitPrice: 500, Total: 1000},
			{ProductID: "prod_SKU-2", SKU: "SKU-2", Quantity: 1, UnitPrice: 1500, Total: 1500},
		},
	}

	// The buyer adds another line after the order was priced. Placement must
	// leave it in the cart.
	lateLine := addCartLine("SKU-1", 1, 500)

	placed, err := orderRepo.Place(ctx, repositories.PlaceOrderRequest{
		Order:       order,
		ClearCart:   true,
		CartItemIDs: []string{firstLine, secondLine},
		ActorID:     "user-1",
		Now:         now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if placed.Order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending status, got %s", placed.Order.Status)
	}
	if placed.Order.ConcurrencyStamp == "" {
		t.Fatalf("expected a concurrency stamp on the placed order")
	}
	if !placed.Order.StockCommitted || placed.Order.PlacedAt == nil {
		t.Fatalf("expected committed stock with a placement time: %+v", placed.Order)
	}
	if len(placed.Movements) != 2 {
		t.Fatalf("expected 2 removal ledger rows, got %d", len(placed.Movements))
	}
	for _, move := range placed.Movements {
		if move.Type != domain.MovementRemoved || move.RefID != order.ID {
			t.Fatalf("unexpected placement ledger row: %+v", move)
		}
	}

	stock, err := inventoryRepo.GetStock(ctx, "SKU-1")
	if err != nil {
		t.Fatalf("get stock after place: %v", err)
	}
	if stock.Quantity != 3 {
		t.Fatalf("expected SKU-1 quantity 3 after place, got %d", stock.Quantity)
	}
	stock, err = inventoryRepo.GetStock(ctx, "SKU-2")
	if err != nil {
		t.Fatalf("get stock after place: %v", err)
	}
	if stock.Quantity != 2 {
		t.Fatalf("expected SKU-2 quantity 2 after place, got %d", stock.Quantity)
	}

	remaining, err := cartRepo.ListItems(ctx, "user-1")
	if err != nil {
		t.Fatalf("list cart after place: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != lateLine {
		t.Fatalf("expected only the late cart line to survive, got %+v", remaining)
	}

	var ordErr *repositories.OrderError
	_, err = orderRepo.Place(ctx, repositories.PlaceOrderRequest{
		Order:   order,
		ActorID: "user-1",
		Now:     now.Add(2 * time.Second),
	})
	if err == nil {
		t.Fatalf("expected duplicate order error")
	}
	if !errors.As(err, &ordErr) || ordErr.Code != repositories.OrderErrorAlreadyExists {
		t.Fatalf("expected already exists code, got %v", err)
	}

	stale := order
	stale.ID = "ord_int_stale_price"
	stale.Items = []domain.OrderItem{
		{ProductID: "prod_SKU-1", SKU: "SKU-1", Quantity: 1, UnitPrice: 999, Total: 999},
	}
	var invErr *repositories.InventoryError
	_, err = orderRepo.Place(ctx, repositories.PlaceOrderRequest{
		Order:   stale,
		ActorID: "user-1",
		Now:     now.Add(3 * time.Second),
	})
	if err == nil {
		t.Fatalf("expected price changed error")
	}
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorPriceChanged {
		t.Fatalf("expected price changed code, got %v", err)
	}
	if _, err := orderRepo.FindByID(ctx, stale.ID); err == nil {
		t.Fatalf("expected rejected placement to write nothing")
	}
	stock, err = inventoryRepo.GetStock(ctx, "SKU-1")
	if err != nil {
		t.Fatalf("get stock after rejected place: %v", err)
	}
	if stock.Quantity != 3 {
		t.Fatalf("expected quantity unchanged after rejected place, got %d", stock.Quantity)
	}

	ordErr = nil
	_, err = orderRepo.UpdateStatus(ctx, repositories.OrderStatusUpdateRequest{
		OrderID:       order.ID,
		ExpectedStamp: "stamp-stale",
		NextStatus:    domain.OrderStatusAccepted,
		ActorID:       "va-1",
		Now:           now.Add(4 * time.Second),
	})
	if err == nil {
		t.Fatalf("expected stamp mismatch error")
	}
	if !errors.As(err, &ordErr) || ordErr.Code != repositories.OrderErrorStampMismatch {
		t.Fatalf("expected stamp mismatch code, got %v", err)
	}

	accepted, err := orderRepo.UpdateStatus(ctx, repositories.OrderStatusUpdateRequest{
		OrderID:       order.ID,
		ExpectedStamp: placed.Order.ConcurrencyStamp,
		NextStatus:    domain.OrderStatusAccepted,
		ActorID:       "va-1",
		Now:           now.Add(5 * time.Second),
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Order.Status != domain.OrderStatusAccepted {
		t.Fatalf("expected accepted status, got %s", accepted.Order.Status)
	}
	if accepted.Order.ConcurrencyStamp == placed.Order.ConcurrencyStamp {
		t.Fatalf("expected the stamp to rotate on update")
	}
	if len(accepted.Movements) != 0 {
		t.Fatalf("expected no ledger rows for a plain transition, got %d", len(accepted.Movements))
	}

	cancelled, err := orderRepo.UpdateStatus(ctx, repositories.OrderStatusUpdateRequest{
		OrderID:       order.ID,
		ExpectedStamp: accepted.Order.ConcurrencyStamp,
		NextStatus:    domain.OrderStatusCancelled,
		RestoreStock:  true,
		ActorID:       "va-1",
		Now:           now.Add(6 * time.Second),
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Order.StockCommitted {
		t.Fatalf("expected stock commitment cleared after restoration")
	}
	if cancelled.Order.CanceledAt == nil {
		t.Fatalf("expected a cancellation timestamp")
	}
	if len(cancelled.Movements) != 2 {
		t.Fatalf("expected 2 reverting ledger rows, got %d", len(cancelled.Movements))
	}
	for _, move := range cancelled.Movements {
		if move.Type != domain.MovementReverted {
			t.Fatalf("expected reverted rows, got %+v", move)
		}
	}
	stock, err = inventoryRepo.GetStock(ctx, "SKU-1")
	if err != nil {
		t.Fatalf("get stock after restore: %v", err)
	}
	if stock.Quantity != 5 {
		t.Fatalf("expected SKU-1 restored to 5, got %d", stock.Quantity)
	}
	stock, err = inventoryRepo.GetStock(ctx, "SKU-2")
	if err != nil {
		t.Fatalf("get stock after restore: %v", err)
	}
	if stock.Quantity != 3 {
		t.Fatalf("expected SKU-2 restored to 3, got %d", stock.Quantity)
	}

	// A second restoration request must not double-credit the stock.
	again, err := orderRepo.UpdateStatus(ctx, repositories.OrderStatusUpdateRequest{
		OrderID:       order.ID,
		ExpectedStamp: cancelled.Order.ConcurrencyStamp,
		NextStatus:    domain.OrderStatusCancelled,
		RestoreStock:  true,
		ActorID:       "va-1",
		Now:           now.Add(7 * time.Second),
	})
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if len(again.Movements) != 0 {
		t.Fatalf("expected no ledger rows on repeated restoration, got %d", len(again.Movements))
	}
	stock, err = inventoryRepo.GetStock(ctx, "SKU-1")
	if err != nil {
		t.Fatalf("get stock after repeat cancel: %v", err)
	}
	if stock.Quantity != 5 {
		t.Fatalf("expected quantity unchanged on repeated restoration, got %d", stock.Quantity)
	}
}
