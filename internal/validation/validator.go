package validation

import (
	"fmt"
	"math"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})
	return v
}

// createOrderStructValidation verifies the aggregated total of items equals
// Amount. Compared in integer cents to dodge float rounding.
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	var sum float64
	for _, it := range req.Items {
		sum += float64(it.Quantity) * it.Price
	}

	if int(math.Round(sum*100)) != int(math.Round(req.Amount*100)) {
		sl.ReportError(req.Amount, "amount", "Amount", "amount_match_items",
			fmt.Sprintf("items sum %.2f != amount %.2f", sum, req.Amount))
	}
}
