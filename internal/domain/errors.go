package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")

	ErrCapacityExhausted    = errors.New("capacity exhausted")
	ErrDepartureNotBookable = errors.New("departure is not bookable")
	ErrInvalidDiscount      = errors.New("invalid discount")
	ErrInvalidTransition    = errors.New("invalid booking transition")

	ErrTransactionMismatch = errors.New("transaction id does not match booking")
	ErrAlreadyFinalized    = errors.New("booking already finalized")
	ErrPaymentPending      = errors.New("payment not yet final")
	ErrBookingNotPayable   = errors.New("booking can no longer be paid")
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	ErrTicketAlreadyClaimed = errors.New("ticket already claimed")
	ErrTicketNotConfirmed   = errors.New("booking not confirmed")
)

func Invalidf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidInput)
}

func NotFoundf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// CapacityExhaustedError carries the numbers a buyer needs to adjust the request.
type CapacityExhaustedError struct {
	DepartureID int64
	Requested   int
	Available   int
}

func (e *CapacityExhaustedError) Error() string {
	return fmt.Sprintf("%d seats requested, %d available", e.Requested, e.Available)
}

func (e *CapacityExhaustedError) Is(target error) bool {
	return target == ErrCapacityExhausted
}

type DiscountReason string

const (
	DiscountUnknown       DiscountReason = "unknown_or_inactive"
	DiscountScopeMismatch DiscountReason = "scope_mismatch"
	DiscountGlobalCap     DiscountReason = "global_cap_reached"
	DiscountPerUserCap    DiscountReason = "per_user_cap_reached"
	DiscountDuplicateTrip DiscountReason = "duplicate_discount_for_trip"
)

var discountMessages = map[DiscountReason]string{
	DiscountUnknown:       "discount code does not exist or is inactive",
	DiscountScopeMismatch: "discount code does not apply to this trip",
	DiscountGlobalCap:     "discount code has no uses left",
	DiscountPerUserCap:    "discount code already used the maximum number of times by this buyer",
	DiscountDuplicateTrip: "buyer already has a discounted booking for this trip",
}

type DiscountError struct {
	Code   string
	Reason DiscountReason
}

func (e *DiscountError) Error() string {
	return fmt.Sprintf("discount %q rejected: %s", e.Code, discountMessages[e.Reason])
}

func (e *DiscountError) Is(target error) bool {
	return target == ErrInvalidDiscount
}

func NewDiscountError(code string, reason DiscountReason) error {
	return &DiscountError{Code: code, Reason: reason}
}
