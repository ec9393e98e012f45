package repositories

import "fmt"

// CouponErrorCode enumerates failure reasons for coupon operations.
type CouponErrorCode string

const (
	// CouponErrorUnknown represents an unspecified failure.
	CouponErrorUnknown CouponErrorCode = "coupon_unknown"
	// CouponErrorNotFound indicates the code does not exist.
	CouponErrorNotFound CouponErrorCode = "coupon_not_found"
	// CouponErrorInactive indicates the coupon has been disabled.
	CouponErrorInactive CouponErrorCode = "coupon_inactive"
	// CouponErrorExhausted indicates the coupon reached its usage limit.
	CouponErrorExhausted CouponErrorCode = "coupon_exhausted"
)

// CouponError wraps coupon-specific failures with machine readable codes.
type CouponError struct {
	Op      string
	Code    CouponErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CouponError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *CouponError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCouponError constructs a typed coupon error.
func NewCouponError(code CouponErrorCode, message string, err error) *CouponError {
	if message == "" {
		message = string(code)
	}
	return &CouponError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
