package models

import "errors"

// Upload payload validation errors.
var (
	ErrEmptyTransaction       = errors.New("transaction has no items")
	ErrMismatchedArrayLengths = errors.New("items, quantities and unit_utilities must have equal length")
	ErrNonPositiveQuantity    = errors.New("quantity must be a strictly positive finite number")
	ErrNonPositiveUtility     = errors.New("unit utility must be a strictly positive finite number")
)
