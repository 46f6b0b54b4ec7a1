package domain

// Transition identifies one edge of the order status graph.
type Transition struct {
	From OrderStatus
	To   OrderStatus
}

// orderTransitions is the adjacency map of legal status changes. Statuses
// absent as keys are terminal.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusAccepted, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed},
	OrderStatusAccepted:       {OrderStatusReadyForPickup, OrderStatusCancelled},
	OrderStatusReadyForPickup: {OrderStatusPickedUp, OrderStatusCancelled},
	OrderStatusPickedUp:       {OrderStatusArrived, OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusArrived:        {OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusReturn:         {OrderStatusReturned},
}

// transitionRoles is the single source of truth for who may drive each edge.
// End users are never transition actors; their self-cancellation flows
// through order placement's inverse path, not this table.
var transitionRoles = map[Transition][]Role{
	{OrderStatusPending, OrderStatusAccepted}:         {RoleVendorAdmin, RoleSuperAdmin},
	{OrderStatusPending, OrderStatusCancelled}:        {RoleVendorAdmin, RoleSuperAdmin},
	{OrderStatusPending, OrderStatusRejected}:         {RoleVendorAdmin, RoleSuperAdmin},
	{OrderStatusPending, OrderStatusFailed}:           {RoleSuperAdmin},
	{OrderStatusAccepted, OrderStatusReadyForPickup}:  {RoleVendorAdmin, RoleSuperAdmin},
	{OrderStatusAccepted, OrderStatusCancelled}:       {RoleVendorAdmin, RoleSuperAdmin},
	{OrderStatusReadyForPickup, OrderStatusPickedUp}:  {RoleRider, RoleSuperAdmin},
	{OrderStatusReadyForPickup, OrderStatusCancelled}: {RoleVendorAdmin, RoleSuperAdmin},
	{OrderStatusPickedUp, OrderStatusArrived}:         {RoleRider, RoleSuperAdmin},
	{OrderStatusPickedUp, OrderStatusDelivered}:       {RoleRider, RoleSuperAdmin},
	{OrderStatusPickedUp, OrderStatusCancelled}:       {RoleSuperAdmin},
	{OrderStatusArrived, OrderStatusDelivered}:        {RoleRider, RoleSuperAdmin},
	{OrderStatusArrived, OrderStatusCancelled}:        {RoleSuperAdmin},
	{OrderStatusReturn, OrderStatusReturned}:          {RoleVendorAdmin, RoleSuperAdmin},
}

// stockRestoringStatuses are the targets that hand stock back to the shelf
// when the order had already committed a decrement.
var stockRestoringStatuses = map[OrderStatus]bool{
	OrderStatusCancelled: true,
	OrderStatusRejected:  true,
	OrderStatusReturned:  true,
	OrderStatusFailed:    true,
}

// ValidOrderStatus reports whether s is a member of the status enum.
func ValidOrderStatus(s OrderStatus) bool {
	switch s {
	case OrderStatusPending, OrderStatusAccepted, OrderStatusReadyForPickup,
		OrderStatusPickedUp, OrderStatusArrived, OrderStatusDelivered,
		OrderStatusCancelled, OrderStatusRejected, OrderStatusReturn,
		OrderStatusReturned, OrderStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the edge from → to exists in the status graph.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionRoles returns the roles permitted to drive the given edge. The
// result is empty when the edge is not in the graph.
func TransitionRoles(from, to OrderStatus) []Role {
	roles := transitionRoles[Transition{From: from, To: to}]
	out := make([]Role, len(roles))
	copy(out, roles)
	return out
}

// RoleMayTransition reports whether any of the supplied roles appears in the
// allowlist for the edge. There is no implicit bypass; super_admin access
// comes from its presence in the table.
func RoleMayTransition(from, to OrderStatus, roles ...Role) bool {
	allowed := transitionRoles[Transition{From: from, To: to}]
	for _, have := range roles {
		for _, want := range allowed {
			if have == want {
				return true
			}
		}
	}
	return false
}

// IsTerminalStatus reports whether the status has no outgoing edges.
func IsTerminalStatus(s OrderStatus) bool {
	return ValidOrderStatus(s) && len(orderTransitions[s]) == 0
}

// RestoresStock reports whether reaching the target status must hand back
// previously committed stock.
func RestoresStock(target OrderStatus) bool {
	return stockRestoringStatuses[target]
}
