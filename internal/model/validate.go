package model

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects malformed bands before they can reach the scheduler.
func (b PriceBand) Validate() error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("%w price band: %v", ErrInvalid, err)
	}
	if b.FloorCents != nil && *b.FloorCents > b.MaxCents {
		return fmt.Errorf("%w price band: floor %d above max %d", ErrInvalid, *b.FloorCents, b.MaxCents)
	}
	return nil
}

// Validate checks experiment parameters.
func (e Experiment) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w experiment: %v", ErrInvalid, err)
	}
	return nil
}
