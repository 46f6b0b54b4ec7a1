package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"
	"google.golang.org/api/iterator"

	domain "github.com/tezmarket/api/internal/domain"
	pfirestore "github.com/tezmarket/api/internal/platform/firestore"
)

const cartItemsCollection = "cartItems"

type cartItemDocument struct {
	UserID    string    `firestore:"userId"`
	ProductID string    `firestore:"productId"`
	VariantID *string   `firestore:"variantId,omitempty"`
	SKU       string    `firestore:"sku"`
	Name      string    `firestore:"name"`
	Quantity  int       `firestore:"quantity"`
	UnitPrice int64     `firestore:"unitPrice"`
	Currency  string    `firestore:"currency"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// CartRepository stores cart lines as flat documents keyed by line ID with a
// userId column for per-buyer queries.
type CartRepository struct {
	provider *pfirestore.Provider
	items    *pfirestore.BaseRepository[cartItemDocument]
	newID    func() string
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		provider: provider,
		items:    pfirestore.NewBaseRepository[cartItemDocument](provider, cartItemsCollection, nil, nil),
		newID:    func() string { return ulid.Make().String() },
	}, nil
}

// ListItems returns the user's cart lines ordered by creation time.
func (r *CartRepository) ListItems(ctx context.Context, userID string) ([]domain.CartItem, error) {
	if r == nil || r.items == nil {
		return nil, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("cart repository: user id is required")
	}

	docs, err := r.items.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", uid).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	items := make([]domain.CartItem, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.Data.toDomain(doc.ID))
	}
	return items, nil
}

// UpsertItem writes a cart line, minting an ID for new lines. Lines for the
// same SKU are merged by incrementing the quantity.
func (r *CartRepository) UpsertItem(ctx context.Context, item domain.CartItem) (domain.CartItem, error) {
	if r == nil || r.items == nil {
		return domain.CartItem{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(item.UserID)
	if uid == "" {
		return domain.CartItem{}, errors.New("cart repository: user id is required")
	}
	if strings.TrimSpace(item.SKU) == "" || item.Quantity <= 0 {
		return domain.CartItem{}, errors.New("cart repository: sku and positive quantity are required")
	}

	now := time.Now().UTC()
	if !item.UpdatedAt.IsZero() {
		now = item.UpdatedAt.UTC()
	}

	id := strings.TrimSpace(item.ID)
	doc := cartItemDocument{
		UserID:    uid,
		ProductID: strings.TrimSpace(item.ProductID),
		VariantID: item.VariantID,
		SKU:       strings.TrimSpace(item.SKU),
		Name:      strings.TrimSpace(item.Name),
		Quantity:  item.Quantity,
		UnitPrice: item.UnitPrice,
		Currency:  strings.ToUpper(strings.TrimSpace(item.Currency)),
		UpdatedAt: now,
	}

	if id == "" {
		existing, err := r.items.Query(ctx, func(q firestore.Query) firestore.Query {
			return q.Where("userId", "==", uid).Where("sku", "==", doc.SKU).Limit(1)
		})
		if err != nil {
			return domain.CartItem{}, err
		}
		if len(existing) > 0 {
			id = existing[0].ID
			doc.Quantity += existing[0].Data.Quantity
			doc.CreatedAt = existing[0].Data.CreatedAt
		} else {
			id = r.newID()
			doc.CreatedAt = now
		}
	} else {
		current, err := r.items.Get(ctx, id)
		switch {
		case err == nil:
			doc.CreatedAt = current.Data.CreatedAt
			if current.Data.UserID != uid {
				return domain.CartItem{}, fmt.Errorf("cart repository: item %s does not belong to user", id)
			}
		default:
			var fsErr *pfirestore.Error
			if !errors.As(err, &fsErr) || !fsErr.IsNotFound() {
				return domain.CartItem{}, err
			}
			doc.CreatedAt = now
		}
	}

	if _, err := r.items.Set(ctx, id, doc); err != nil {
		return domain.CartItem{}, err
	}
	return doc.toDomain(id), nil
}

// RemoveItem deletes a single cart line owned by the user.
func (r *CartRepository) RemoveItem(ctx context.Context, userID string, itemID string) error {
	if r == nil || r.items == nil {
		return errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	id := strings.TrimSpace(itemID)
	if uid == "" || id == "" {
		return errors.New("cart repository: user id and item id are required")
	}

	doc, err := r.items.Get(ctx, id)
	if err != nil {
		var fsErr *pfirestore.Error
		if errors.As(err, &fsErr) && fsErr.IsNotFound() {
			return nil
		}
		return err
	}
	if doc.Data.UserID != uid {
		return fmt.Errorf("cart repository: item %s does not belong to user", id)
	}

	ref, err := r.items.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("cartItems.delete", err)
	}
	return nil
}

// Clear removes every cart line for the user.
func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	if r == nil || r.provider == nil {
		return errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("cart repository: user id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}

	iter := client.Collection(cartItemsCollection).Where("userId", "==", uid).Documents(ctx)
	defer iter.Stop()

	batch := client.Batch()
	count := 0
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return pfirestore.WrapError("cartItems.clear", err)
		}
		batch.Delete(snap.Ref)
		count++
	}
	if count == 0 {
		return nil
	}
	if _, err := batch.Commit(ctx); err != nil {
		return pfirestore.WrapError("cartItems.clear", err)
	}
	return nil
}

func (d cartItemDocument) toDomain(id string) domain.CartItem {
	return domain.CartItem{
		ID:        id,
		UserID:    d.UserID,
		ProductID: d.ProductID,
		VariantID: d.VariantID,
		SKU:       d.SKU,
		Name:      d.Name,
		Quantity:  d.Quantity,
		UnitPrice: d.UnitPrice,
		Currency:  d.Currency,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
