package jobs

import "time"

// orderEventMessage is the wire shape for order lifecycle events.
type orderEventMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"order_id"`
	OrderNumber    string         `json:"order_number,omitempty"`
	PreviousStatus string         `json:"previous_status,omitempty"`
	CurrentStatus  string         `json:"current_status"`
	ActorID        string         `json:"actor_id,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// stockMovementMessage is the wire shape for inventory ledger rows.
type stockMovementMessage struct {
	MovementID     string    `json:"movement_id"`
	SKU            string    `json:"sku"`
	ProductID      string    `json:"product_id,omitempty"`
	VendorID       string    `json:"vendor_id,omitempty"`
	BranchID       string    `json:"branch_id,omitempty"`
	Type           string    `json:"type"`
	QuantityChange int       `json:"quantity_change"`
	QuantityBefore int       `json:"quantity_before"`
	QuantityAfter  int       `json:"quantity_after"`
	RefType        string    `json:"ref_type,omitempty"`
	RefID          string    `json:"ref_id,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}
