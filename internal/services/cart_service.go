package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/tezmarket/api/internal/domain"
	"github.com/tezmarket/api/internal/repositories"
)

// ErrCartInvalidInput signals the caller provided an unusable cart line.
var ErrCartInvalidInput = errors.New("cart: invalid input")

// CartServiceDeps bundles collaborators required to construct the cart service.
type CartServiceDeps struct {
	Carts repositories.CartRepository
}

type cartService struct {
	carts repositories.CartRepository
}

// NewCartService wires dependencies into a concrete CartService implementation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	return &cartService{carts: deps.Carts}, nil
}

func (s *cartService) ListCart(ctx context.Context, actor Actor) ([]CartItem, error) {
	uid := strings.TrimSpace(actor.ID)
	if uid == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrCartInvalidInput)
	}
	return s.carts.ListItems(ctx, uid)
}

func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (CartItem, error) {
	uid := strings.TrimSpace(cmd.Actor.ID)
	if uid == "" {
		return CartItem{}, fmt.Errorf("%w: actor is required", ErrCartInvalidInput)
	}
	sku := strings.TrimSpace(cmd.SKU)
	if sku == "" {
		return CartItem{}, fmt.Errorf("%w: sku is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return CartItem{}, fmt.Errorf("%w: quantity must be positive", ErrCartInvalidInput)
	}
	if cmd.UnitPrice < 0 {
		return CartItem{}, fmt.Errorf("%w: unit price must not be negative", ErrCartInvalidInput)
	}

	return s.carts.UpsertItem(ctx, domain.CartItem{
		UserID:    uid,
		ProductID: strings.TrimSpace(cmd.ProductID),
		VariantID: cmd.VariantID,
		SKU:       sku,
		Name:      strings.TrimSpace(cmd.Name),
		Quantity:  cmd.Quantity,
		UnitPrice: cmd.UnitPrice,
		Currency:  strings.ToUpper(strings.TrimSpace(cmd.Currency)),
	})
}

func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) error {
	uid := strings.TrimSpace(cmd.Actor.ID)
	if uid == "" {
		return fmt.Errorf("%w: actor is required", ErrCartInvalidInput)
	}
	itemID := strings.TrimSpace(cmd.ItemID)
	if itemID == "" {
		return fmt.Errorf("%w: item id is required", ErrCartInvalidInput)
	}
	return s.carts.RemoveItem(ctx, uid, itemID)
}

func (s *cartService) ClearCart(ctx context.Context, actor Actor) error {
	uid := strings.TrimSpace(actor.ID)
	if uid == "" {
		return fmt.Errorf("%w: actor is required", ErrCartInvalidInput)
	}
	return s.carts.Clear(ctx, uid)
}
