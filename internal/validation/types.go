package validation

// Item represents a single order line item.
type Item struct {
	SKU      string  `json:"sku" validate:"required"`
	Quantity int     `json:"quantity" validate:"required,min=1"`
	Price    float64 `json:"price" validate:"required,gt=0"` // price per unit
}

// CreateOrderRequest is the payload for POST /orders.
type CreateOrderRequest struct {
	CustomerID string                 `json:"customer_id" validate:"required"`
	Items      []Item                 `json:"items" validate:"required,min=1,dive"`
	Amount     float64                `json:"amount" validate:"required,gt=0"` // total the client claims
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}
