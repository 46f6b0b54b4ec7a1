package firestore

import (
	"errors"
	"testing"
	"time"

	domain "github.com/tezmarket/api/internal/domain"
	"github.com/tezmarket/api/internal/repositories"
)

func TestBuildMovementRemoval(t *testing.T) {
	now := time.Date(2025, time.April, 2, 12, 0, 0, 0, time.UTC)
	current := &stockDocument{
		ProductID:    "prod_1",
		VendorID:     "ven_1",
		BranchID:     "br_1",
		Quantity:     10,
		SellingPrice: 2500,
		Currency:     "USD",
	}

	move, stock, err := buildMovement(repositories.ApplyMovementRequest{
		SKU:            "SKU-1",
		Type:           domain.MovementRemoved,
		QuantityChange: -3,
		RefType:        domain.MovementRefOrder,
		RefID:          "ord_1",
		ActorID:        "user_1",
	}, current, now)
	if err != nil {
		t.Fatalf("buildMovement: %v", err)
	}

	if move.QuantityBefore != 10 || move.QuantityChange != -3 || move.QuantityAfter != 7 {
		t.Fatalf("unexpected ledger arithmetic: before=%d change=%d after=%d", move.QuantityBefore, move.QuantityChange, move.QuantityAfter)
	}
	if move.QuantityAfter != move.QuantityBefore+move.QuantityChange {
		t.Fatal("after must equal before plus change")
	}
	if stock.Quantity != move.QuantityAfter {
		t.Fatalf("stock quantity %d must match ledger after %d", stock.Quantity, move.QuantityAfter)
	}
	if stock.ConcurrencyStamp == current.ConcurrencyStamp {
		t.Fatal("stock stamp must rotate on every write")
	}
	if move.RefType != string(domain.MovementRefOrder) || move.RefID != "ord_1" {
		t.Fatalf("unexpected movement ref %s/%s", move.RefType, move.RefID)
	}
}

func TestBuildMovementInsufficientStock(t *testing.T) {
	current := &stockDocument{Quantity: 2}
	_, _, err := buildMovement(repositories.ApplyMovementRequest{
		SKU:            "SKU-1",
		Type:           domain.MovementRemoved,
		QuantityChange: -3,
	}, current, time.Now().UTC())

	var invErr *repositories.InventoryError
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorInsufficientStock {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
}

func TestBuildMovementAdjustedTarget(t *testing.T) {
	current := &stockDocument{Quantity: 8}
	target := 5

	move, stock, err := buildMovement(repositories.ApplyMovementRequest{
		SKU:            "SKU-1",
		Type:           domain.MovementAdjusted,
		TargetQuantity: &target,
		RefType:        domain.MovementRefManual,
		ActorID:        "admin_1",
	}, current, time.Now().UTC())
	if err != nil {
		t.Fatalf("buildMovement: %v", err)
	}
	if move.QuantityChange != -3 {
		t.Fatalf("expected derived change -3, got %d", move.QuantityChange)
	}
	if stock.Quantity != 5 {
		t.Fatalf("expected stock quantity 5, got %d", stock.Quantity)
	}
}

func TestBuildMovementAdjustedRequiresTarget(t *testing.T) {
	current := &stockDocument{Quantity: 8}
	_, _, err := buildMovement(repositories.ApplyMovementRequest{
		SKU:  "SKU-1",
		Type: domain.MovementAdjusted,
	}, current, time.Now().UTC())

	var invErr *repositories.InventoryError
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorInvalidMovement {
		t.Fatalf("expected invalid movement error, got %v", err)
	}
}

func TestBuildMovementAddedCreatesStock(t *testing.T) {
	move, stock, err := buildMovement(repositories.ApplyMovementRequest{
		SKU:            "SKU-9",
		ProductID:      "prod_9",
		VendorID:       "ven_1",
		BranchID:       "br_1",
		Type:           domain.MovementAdded,
		QuantityChange: 12,
		RefType:        domain.MovementRefProduct,
		RefID:          "prod_9",
		SellingPrice:   900,
		Currency:       "usd",
	}, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("buildMovement: %v", err)
	}
	if move.QuantityBefore != 0 || move.QuantityAfter != 12 {
		t.Fatalf("unexpected arithmetic before=%d after=%d", move.QuantityBefore, move.QuantityAfter)
	}
	if stock.Currency != "USD" {
		t.Fatalf("currency should be upper-cased, got %q", stock.Currency)
	}
	if stock.SellingPrice != 900 {
		t.Fatalf("unexpected selling price %d", stock.SellingPrice)
	}
}

func TestBuildMovementRemovedMissingStock(t *testing.T) {
	_, _, err := buildMovement(repositories.ApplyMovementRequest{
		SKU:            "SKU-404",
		Type:           domain.MovementRemoved,
		QuantityChange: -1,
	}, nil, time.Now().UTC())

	var invErr *repositories.InventoryError
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorStockNotFound {
		t.Fatalf("expected stock not found error, got %v", err)
	}
}

func TestBuildMovementDirectionGuards(t *testing.T) {
	current := &stockDocument{Quantity: 4}

	if _, _, err := buildMovement(repositories.ApplyMovementRequest{
		SKU: "SKU-1", Type: domain.MovementAdded, QuantityChange: -2,
	}, current, time.Now().UTC()); err == nil {
		t.Fatal("added movement with negative change must be rejected")
	}
	if _, _, err := buildMovement(repositories.ApplyMovementRequest{
		SKU: "SKU-1", Type: domain.MovementRemoved, QuantityChange: 2,
	}, current, time.Now().UTC()); err == nil {
		t.Fatal("removed movement with positive change must be rejected")
	}
	if _, _, err := buildMovement(repositories.ApplyMovementRequest{
		SKU: "SKU-1", Type: domain.MovementReverted, QuantityChange: 0,
	}, current, time.Now().UTC()); err == nil {
		t.Fatal("reverted movement with zero change must be rejected")
	}
}

func TestMovementPageTokenRoundTrip(t *testing.T) {
	token := movementPageToken{ID: "01HV", CreatedAt: time.Date(2025, time.January, 5, 8, 30, 0, 0, time.UTC)}
	encoded, err := encodeMovementPageToken(token)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeMovementPageToken(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != token.ID || !decoded.CreatedAt.Equal(token.CreatedAt) {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}
