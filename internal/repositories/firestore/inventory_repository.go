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

const (
	stocksCollection    = "variantStocks"
	movementsCollection = "inventoryMovements"
)

type stockDocument struct {
	ProductID        string    `firestore:"productId"`
	VariantID        *string   `firestore:"variantId,omitempty"`
	VendorID         string    `firestore:"vendorId"`
	BranchID         string    `firestore:"branchId"`
	Quantity         int       `firestore:"quantity"`
	SellingPrice     int64     `firestore:"sellingPrice"`
	Currency         string    `firestore:"currency"`
	ConcurrencyStamp string    `firestore:"concurrencyStamp"`
	UpdatedAt        time.Time `firestore:"updatedAt"`
}

type movementDocument struct {
	SKU            string    `firestore:"sku"`
	ProductID      string    `firestore:"productId"`
	VariantID      *string   `firestore:"variantId,omitempty"`
	VendorID       string    `firestore:"vendorId"`
	BranchID       string    `firestore:"branchId"`
	Type           string    `firestore:"type"`
	QuantityChange int       `firestore:"quantityChange"`
	QuantityBefore int       `firestore:"quantityBefore"`
	QuantityAfter  int       `firestore:"quantityAfter"`
	RefType        string    `firestore:"refType"`
	RefID          string    `firestore:"refId"`
	ActorID        string    `firestore:"actorId"`
	Notes          string    `firestore:"notes,omitempty"`
	CreatedAt      time.Time `firestore:"createdAt"`
}

// InventoryRepository persists stock documents keyed by SKU and an append-only
// movement ledger. Every stock write is paired with exactly one ledger row in
// the same transaction.
type InventoryRepository struct {
	provider  *pfirestore.Provider
	stocks    *pfirestore.BaseRepository[stockDocument]
	movements *pfirestore.BaseRepository[movementDocument]
	newID     func() string
}

// NewInventoryRepository constructs a Firestore-backed inventory repository.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	return &InventoryRepository{
		provider:  provider,
		stocks:    pfirestore.NewBaseRepository[stockDocument](provider, stocksCollection, nil, nil),
		movements: pfirestore.NewBaseRepository[movementDocument](provider, movementsCollection, nil, nil),
		newID:     func() string { return ulid.Make().String() },
	}, nil
}

// ApplyMovement writes one ledger row and the matching stock mutation atomically.
func (r *InventoryRepository) ApplyMovement(ctx context.Context, req repositories.ApplyMovementRequest) (domain.InventoryMovement, error) {
	if r == nil || r.provider == nil {
		return domain.InventoryMovement{}, errors.New("inventory repository not initialised")
	}
	sku := strings.TrimSpace(req.SKU)
	if sku == "" {
		return domain.InventoryMovement{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidMovement, "inventory apply: sku is required", nil)
	}

	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	movementID := r.newID()

	var applied domain.InventoryMovement
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stockRef, err := r.stocks.DocumentRef(ctx, sku)
		if err != nil {
			return err
		}
		movementRef, err := r.movements.DocumentRef(ctx, movementID)
		if err != nil {
			return err
		}

		var current *stockDocument
		snap, err := tx.Get(stockRef)
		switch {
		case err == nil:
			var doc stockDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode stock %s: %w", sku, err)
			}
			current = &doc
		case status.Code(err) == codes.NotFound:
			current = nil
		default:
			return err
		}

		moveDoc, stockDoc, err := buildMovement(req, current, now)
		if err != nil {
			return err
		}

		if err := tx.Set(stockRef, stockDoc); err != nil {
			return err
		}
		if err := tx.Set(movementRef, moveDoc); err != nil {
			return err
		}
		applied = moveDoc.toDomain(movementID)
		return nil
	})
	if err != nil {
		return domain.InventoryMovement{}, wrapInventoryError("inventory.apply", err)
	}
	return applied, nil
}

// GetStock returns the live stock document for the SKU.
func (r *InventoryRepository) GetStock(ctx context.Context, sku string) (domain.VariantStock, error) {
	if r == nil || r.stocks == nil {
		return domain.VariantStock{}, errors.New("inventory repository not initialised")
	}
	id := strings.TrimSpace(sku)
	if id == "" {
		return domain.VariantStock{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidMovement, "inventory get: sku is required", nil)
	}

	doc, err := r.stocks.Get(ctx, id)
	if err != nil {
		var fsErr *pfirestore.Error
		if errors.As(err, &fsErr) && fsErr.IsNotFound() {
			return domain.VariantStock{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", id), err)
		}
		return domain.VariantStock{}, wrapInventoryError("inventory.get", err)
	}
	return doc.Data.toDomain(id), nil
}

// ListMovements returns ledger rows matching the filter, newest first.
func (r *InventoryRepository) ListMovements(ctx context.Context, filter repositories.MovementListFilter) (domain.CursorPage[domain.InventoryMovement], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.InventoryMovement]{}, errors.New("inventory repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.InventoryMovement]{}, wrapInventoryError("inventory.listMovements", err)
	}

	query := client.Collection(movementsCollection).Query
	if sku := strings.TrimSpace(filter.SKU); sku != "" {
		query = query.Where("sku", "==", sku)
	}
	if productID := strings.TrimSpace(filter.ProductID); productID != "" {
		query = query.Where("productId", "==", productID)
	}
	if vendorID := strings.TrimSpace(filter.VendorID); vendorID != "" {
		query = query.Where("vendorId", "==", vendorID)
	}
	if branchID := strings.TrimSpace(filter.BranchID); branchID != "" {
		query = query.Where("branchId", "==", branchID)
	}
	if len(filter.Types) == 1 {
		query = query.Where("type", "==", strings.TrimSpace(filter.Types[0]))
	} else if len(filter.Types) > 1 {
		query = query.Where("type", "in", filter.Types)
	}
	if refType := strings.TrimSpace(filter.RefType); refType != "" {
		query = query.Where("refType", "==", refType)
	}
	if refID := strings.TrimSpace(filter.RefID); refID != "" {
		query = query.Where("refId", "==", refID)
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
		decoded, err := decodeMovementPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.InventoryMovement]{}, wrapInventoryError("inventory.listMovements", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var items []domain.InventoryMovement
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.InventoryMovement]{}, wrapInventoryError("inventory.listMovements", err)
		}
		var doc movementDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.InventoryMovement]{}, fmt.Errorf("decode movement %s: %w", snap.Ref.ID, err)
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
		encoded, err := encodeMovementPageToken(movementPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.InventoryMovement]{}, wrapInventoryError("inventory.listMovements", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.InventoryMovement]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

// buildMovement computes the ledger row and the resulting stock document for a
// movement request. It enforces the ledger arithmetic: after = before + change,
// and after may never be negative.
func buildMovement(req repositories.ApplyMovementRequest, current *stockDocument, now time.Time) (movementDocument, stockDocument, error) {
	sku := strings.TrimSpace(req.SKU)

	if !domain.ValidMovementType(req.Type) {
		return movementDocument{}, stockDocument{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidMovement, fmt.Sprintf("unknown movement type %q", req.Type), nil)
	}

	before := 0
	stock := stockDocument{
		ProductID:    strings.TrimSpace(req.ProductID),
		VariantID:    req.VariantID,
		VendorID:     strings.TrimSpace(req.VendorID),
		BranchID:     strings.TrimSpace(req.BranchID),
		SellingPrice: req.SellingPrice,
		Currency:     strings.ToUpper(strings.TrimSpace(req.Currency)),
	}
	if current != nil {
		before = current.Quantity
		stock = *current
	} else if req.Type != domain.MovementAdded {
		return movementDocument{}, stockDocument{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", sku), nil)
	}

	change := req.QuantityChange
	if req.Type == domain.MovementAdjusted {
		if req.TargetQuantity == nil {
			return movementDocument{}, stockDocument{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidMovement, "adjustment requires a target quantity", nil)
		}
		change = *req.TargetQuantity - before
	}

	switch req.Type {
	case domain.MovementAdded, domain.MovementReverted:
		if change <= 0 {
			return movementDocument{}, stockDocument{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidMovement, fmt.Sprintf("%s movement requires a positive change, got %d", req.Type, change), nil)
		}
	case domain.MovementRemoved:
		if change >= 0 {
			return movementDocument{}, stockDocument{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidMovement, fmt.Sprintf("removal requires a negative change, got %d", change), nil)
		}
	}

	after := before + change
	if after < 0 {
		return movementDocument{}, stockDocument{}, repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, fmt.Sprintf("insufficient stock for %s: have %d, change %d", sku, before, change), nil)
	}

	stock.Quantity = after
	stock.ConcurrencyStamp = domain.NewConcurrencyStamp()
	stock.UpdatedAt = now

	move := movementDocument{
		SKU:            sku,
		ProductID:      stock.ProductID,
		VariantID:      stock.VariantID,
		VendorID:       stock.VendorID,
		BranchID:       stock.BranchID,
		Type:           string(req.Type),
		QuantityChange: change,
		QuantityBefore: before,
		QuantityAfter:  after,
		RefType:        string(req.RefType),
		RefID:          strings.TrimSpace(req.RefID),
		ActorID:        strings.TrimSpace(req.ActorID),
		Notes:          strings.TrimSpace(req.Notes),
		CreatedAt:      now,
	}
	return move, stock, nil
}

func (d stockDocument) toDomain(sku string) domain.VariantStock {
	return domain.VariantStock{
		SKU:              sku,
		ProductID:        d.ProductID,
		VariantID:        d.VariantID,
		VendorID:         d.VendorID,
		BranchID:         d.BranchID,
		Quantity:         d.Quantity,
		SellingPrice:     d.SellingPrice,
		Currency:         d.Currency,
		ConcurrencyStamp: d.ConcurrencyStamp,
		UpdatedAt:        d.UpdatedAt,
	}
}

func (d movementDocument) toDomain(id string) domain.InventoryMovement {
	return domain.InventoryMovement{
		ID:             id,
		SKU:            d.SKU,
		ProductID:      d.ProductID,
		VariantID:      d.VariantID,
		VendorID:       d.VendorID,
		BranchID:       d.BranchID,
		Type:           domain.MovementType(d.Type),
		QuantityChange: d.QuantityChange,
		QuantityBefore: d.QuantityBefore,
		QuantityAfter:  d.QuantityAfter,
		RefType:        domain.MovementRef(d.RefType),
		RefID:          d.RefID,
		ActorID:        d.ActorID,
		Notes:          d.Notes,
		CreatedAt:      d.CreatedAt,
	}
}

type movementPageToken struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

func encodeMovementPageToken(token movementPageToken) (string, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(token); err != nil {
		return "", fmt.Errorf("encode movement page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeMovementPageToken(encoded string) (*movementPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode movement page token: %w", err)
	}
	var token movementPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode movement page token json: %w", err)
	}
	return &token, nil
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	wrapped := repositories.NewInventoryError(repositories.InventoryErrorUnknown, err.Error(), err)
	wrapped.Op = op
	return wrapped
}
