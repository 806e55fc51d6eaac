package domain

// Role — роль вызывающего, выданная сервисом аутентификации.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleVendor   Role = "vendor"
	RoleAdmin    Role = "admin"
)

// Valid проверяет, что роль из поддерживаемого набора.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleVendor, RoleAdmin:
		return true
	default:
		return false
	}
}

// Identity — проверенная личность вызывающего.
type Identity struct {
	Subject string
	Role    Role
}

// CanView: клиент видит свои заказы, вендор видит заказы со своими позициями, админ видит всё.
func (id Identity) CanView(order Order) bool {
	switch id.Role {
	case RoleAdmin:
		return true
	case RoleCustomer:
		return id.Subject != "" && order.CustomerID == id.Subject
	case RoleVendor:
		return id.Subject != "" && order.HasVendor(id.Subject)
	default:
		return false
	}
}

// CanActAsOwner разрешает клиентские операции: отмену, возврат, отзыв, повтор.
func (id Identity) CanActAsOwner(order Order) bool {
	if id.Role == RoleAdmin {
		return true
	}
	return id.Role == RoleCustomer && id.Subject != "" && order.CustomerID == id.Subject
}

// CanFulfil разрешает продвижение статуса исполнения.
func (id Identity) CanFulfil(order Order) bool {
	if id.Role == RoleAdmin {
		return true
	}
	return id.Role == RoleVendor && id.Subject != "" && order.HasVendor(id.Subject)
}

// CanReadCustomer разрешает списки и статистику по клиенту.
func (id Identity) CanReadCustomer(customerID string) bool {
	if id.Role == RoleAdmin {
		return true
	}
	return id.Role == RoleCustomer && id.Subject != "" && id.Subject == customerID
}
