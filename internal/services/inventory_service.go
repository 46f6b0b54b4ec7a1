package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/tezmarket/api/internal/domain"
	"github.com/tezmarket/api/internal/repositories"
)

var (
	// ErrInventoryInvalidInput signals the caller provided invalid data.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryNotFound indicates the stock record could not be located.
	ErrInventoryNotFound = errors.New("inventory: not found")
	// ErrInventoryInsufficientStock indicates the change would drive stock below zero.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInventoryForbidden indicates the caller may not touch this vendor's stock.
	ErrInventoryForbidden = errors.New("inventory: forbidden")
)

// InventoryServiceDeps bundles collaborators required to construct the inventory service.
type InventoryServiceDeps struct {
	Inventory repositories.InventoryRepository
	Clock     func() time.Time
	Events    StockEventPublisher
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	inventory repositories.InventoryRepository
	clock     func() time.Time
	events    StockEventPublisher
	logger    func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		inventory: deps.Inventory,
		clock:     func() time.Time { return clock().UTC() },
		events:    deps.Events,
		logger:    logger,
	}, nil
}

func (s *inventoryService) RecordMovement(ctx context.Context, cmd RecordMovementCommand) (InventoryMovement, error) {
	if err := s.requireStockManager(cmd.Actor); err != nil {
		return InventoryMovement{}, err
	}
	sku := strings.TrimSpace(cmd.SKU)
	if sku == "" {
		return InventoryMovement{}, fmt.Errorf("%w: sku is required", ErrInventoryInvalidInput)
	}
	if cmd.Type != domain.MovementAdded && cmd.Type != domain.MovementRemoved {
		return InventoryMovement{}, fmt.Errorf("%w: movement type must be %s or %s", ErrInventoryInvalidInput, domain.MovementAdded, domain.MovementRemoved)
	}
	if cmd.QuantityChange == 0 {
		return InventoryMovement{}, fmt.Errorf("%w: quantity change must be non-zero", ErrInventoryInvalidInput)
	}
	if cmd.Actor.HasRole(domain.RoleVendorAdmin) && !cmd.Actor.HasRole(domain.RoleSuperAdmin) {
		if strings.TrimSpace(cmd.VendorID) != strings.TrimSpace(cmd.Actor.VendorID) {
			return InventoryMovement{}, fmt.Errorf("%w: vendor scope mismatch", ErrInventoryForbidden)
		}
	}

	refType := cmd.RefType
	if refType == "" {
		refType = domain.MovementRefManual
	}

	move, err := s.inventory.ApplyMovement(ctx, repositories.ApplyMovementRequest{
		SKU:            sku,
		ProductID:      strings.TrimSpace(cmd.ProductID),
		VariantID:      cmd.VariantID,
		VendorID:       strings.TrimSpace(cmd.VendorID),
		BranchID:       strings.TrimSpace(cmd.BranchID),
		Type:           cmd.Type,
		QuantityChange: cmd.QuantityChange,
		RefType:        refType,
		RefID:          strings.TrimSpace(cmd.RefID),
		ActorID:        cmd.Actor.ID,
		Notes:          strings.TrimSpace(cmd.Notes),
		SellingPrice:   cmd.SellingPrice,
		Currency:       cmd.Currency,
		Now:            s.clock(),
	})
	if err != nil {
		return InventoryMovement{}, mapInventoryRepositoryError(err)
	}

	s.publishMovement(ctx, move)
	return move, nil
}

func (s *inventoryService) AdjustStock(ctx context.Context, cmd AdjustStockCommand) (InventoryMovement, error) {
	if err := s.requireStockManager(cmd.Actor); err != nil {
		return InventoryMovement{}, err
	}
	sku := strings.TrimSpace(cmd.SKU)
	if sku == "" {
		return InventoryMovement{}, fmt.Errorf("%w: sku is required", ErrInventoryInvalidInput)
	}
	if cmd.TargetQuantity < 0 {
		return InventoryMovement{}, fmt.Errorf("%w: target quantity must not be negative", ErrInventoryInvalidInput)
	}

	stock, err := s.inventory.GetStock(ctx, sku)
	if err != nil {
		return InventoryMovement{}, mapInventoryRepositoryError(err)
	}
	if cmd.Actor.HasRole(domain.RoleVendorAdmin) && !cmd.Actor.HasRole(domain.RoleSuperAdmin) {
		if stock.VendorID != strings.TrimSpace(cmd.Actor.VendorID) {
			return InventoryMovement{}, fmt.Errorf("%w: vendor scope mismatch", ErrInventoryForbidden)
		}
	}
	if stock.Quantity == cmd.TargetQuantity {
		return InventoryMovement{}, fmt.Errorf("%w: stock already at %d", ErrInventoryInvalidInput, cmd.TargetQuantity)
	}

	target := cmd.TargetQuantity
	move, err := s.inventory.ApplyMovement(ctx, repositories.ApplyMovementRequest{
		SKU:            sku,
		ProductID:      stock.ProductID,
		VariantID:      stock.VariantID,
		VendorID:       stock.VendorID,
		BranchID:       stock.BranchID,
		Type:           domain.MovementAdjusted,
		TargetQuantity: &target,
		RefType:        domain.MovementRefManual,
		RefID:          sku,
		ActorID:        cmd.Actor.ID,
		Notes:          strings.TrimSpace(cmd.Notes),
		Now:            s.clock(),
	})
	if err != nil {
		return InventoryMovement{}, mapInventoryRepositoryError(err)
	}

	s.publishMovement(ctx, move)
	return move, nil
}

func (s *inventoryService) GetStock(ctx context.Context, cmd GetStockCommand) (VariantStock, error) {
	if err := s.requireStockManager(cmd.Actor); err != nil {
		return VariantStock{}, err
	}
	sku := strings.TrimSpace(cmd.SKU)
	if sku == "" {
		return VariantStock{}, fmt.Errorf("%w: sku is required", ErrInventoryInvalidInput)
	}

	stock, err := s.inventory.GetStock(ctx, sku)
	if err != nil {
		return VariantStock{}, mapInventoryRepositoryError(err)
	}
	if cmd.Actor.HasRole(domain.RoleVendorAdmin) && !cmd.Actor.HasRole(domain.RoleSuperAdmin) {
		if stock.VendorID != strings.TrimSpace(cmd.Actor.VendorID) {
			return VariantStock{}, fmt.Errorf("%w: vendor scope mismatch", ErrInventoryForbidden)
		}
	}
	return stock, nil
}

func (s *inventoryService) ListMovements(ctx context.Context, cmd ListMovementsCommand) (domain.CursorPage[InventoryMovement], error) {
	if err := s.requireStockManager(cmd.Actor); err != nil {
		return domain.CursorPage[InventoryMovement]{}, err
	}

	filter := repositories.MovementListFilter{
		SKU:        strings.TrimSpace(cmd.SKU),
		ProductID:  strings.TrimSpace(cmd.ProductID),
		VendorID:   strings.TrimSpace(cmd.VendorID),
		BranchID:   strings.TrimSpace(cmd.BranchID),
		Types:      cmd.Types,
		RefType:    strings.TrimSpace(cmd.RefType),
		RefID:      strings.TrimSpace(cmd.RefID),
		DateRange:  domain.RangeQuery[time.Time]{From: cmd.From, To: cmd.To},
		Pagination: cmd.Pagination,
	}
	// Vendor admins only ever see their own ledger.
	if cmd.Actor.HasRole(domain.RoleVendorAdmin) && !cmd.Actor.HasRole(domain.RoleSuperAdmin) {
		filter.VendorID = strings.TrimSpace(cmd.Actor.VendorID)
	}

	for _, movementType := range filter.Types {
		if !domain.ValidMovementType(domain.MovementType(strings.TrimSpace(movementType))) {
			return domain.CursorPage[InventoryMovement]{}, fmt.Errorf("%w: unknown movement type %q", ErrInventoryInvalidInput, movementType)
		}
	}

	page, err := s.inventory.ListMovements(ctx, filter)
	if err != nil {
		return domain.CursorPage[InventoryMovement]{}, mapInventoryRepositoryError(err)
	}
	return page, nil
}

func (s *inventoryService) requireStockManager(actor Actor) error {
	if actor.HasRole(domain.RoleVendorAdmin) || actor.HasRole(domain.RoleSuperAdmin) {
		return nil
	}
	return fmt.Errorf("%w: stock management requires a vendor or admin role", ErrInventoryForbidden)
}

func (s *inventoryService) publishMovement(ctx context.Context, move InventoryMovement) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishStockMovement(ctx, stockMovementEvent(move)); err != nil {
		s.logger(ctx, "stock.event.publish.failed", map[string]any{
			"movement": move.ID,
			"sku":      move.SKU,
			"error":    err.Error(),
		})
	}
}

func mapInventoryRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorStockNotFound:
			return fmt.Errorf("%w: %v", ErrInventoryNotFound, err)
		case repositories.InventoryErrorInsufficientStock:
			return fmt.Errorf("%w: %v", ErrInventoryInsufficientStock, err)
		case repositories.InventoryErrorInvalidMovement:
			return fmt.Errorf("%w: %v", ErrInventoryInvalidInput, err)
		}
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrInventoryNotFound, err)
	}
	return err
}
