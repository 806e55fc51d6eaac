package domain

// PaymentStatus описывает состояние платежа у провайдера.
type PaymentStatus string

const (
	// PaymentStatusPending — операция инициирована, но не подтверждена.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusAuthorized — сумма зарезервирована, но не списана.
	PaymentStatusAuthorized PaymentStatus = "authorized"
	// PaymentStatusCaptured — деньги списаны.
	PaymentStatusCaptured PaymentStatus = "captured"
	// PaymentStatusRefunded — деньги возвращены клиенту.
	PaymentStatusRefunded PaymentStatus = "refunded"
	// PaymentStatusFailed — провайдер отклонил операцию.
	PaymentStatusFailed PaymentStatus = "failed"
)

// CatalogItem — актуальные цена и доступность товара.
type CatalogItem struct {
	ProductID      string
	VendorID       string
	Name           string
	UnitPriceMinor int64
	Available      bool
}
