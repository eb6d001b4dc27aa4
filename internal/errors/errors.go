// Package errors defines the monitor's error taxonomy: domain sentinels for
// errors.Is checks and CategorizedError for HTTP mapping and retry decisions.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/position-monitor/internal/types"
)

// Domain sentinels. Wrap them with %w or a CategorizedError and test with
// errors.Is.
var (
	// ErrChainUnavailable means the chain read failed after the retry budget.
	// The position is marked unknown and retried next cycle.
	ErrChainUnavailable = stderrors.New("chain unavailable")
	// ErrMalformedEvent means an inbound push event could not be parsed or
	// failed authenticity.
	ErrMalformedEvent = stderrors.New("malformed event")
	// ErrStaleWrite means a snapshot write lost the version compare-and-set.
	ErrStaleWrite = stderrors.New("stale write")
	// ErrDeliveryFailure means a channel send failed.
	ErrDeliveryFailure = stderrors.New("delivery failure")
	// ErrUnknownPosition means an event referenced a position and wallet that
	// are not tracked.
	ErrUnknownPosition = stderrors.New("unknown position")
	// ErrPositionNotFound means the chain has no such position.
	ErrPositionNotFound = stderrors.New("position not found on chain")
)

// ErrorCategory groups errors by who has to act on them.
type ErrorCategory string

const (
	CategoryUserInput     ErrorCategory = "user_input"
	CategorySystem        ErrorCategory = "system"
	CategoryChain         ErrorCategory = "chain"
	CategoryDatabase      ErrorCategory = "database"
	CategoryValidation    ErrorCategory = "validation"
	CategoryAuthorization ErrorCategory = "authorization"
	CategoryNotFound      ErrorCategory = "not_found"
	CategoryConflict      ErrorCategory = "conflict"
	CategoryRateLimit     ErrorCategory = "rate_limit"
	CategoryDelivery      ErrorCategory = "delivery"
)

// CategorizedError carries a category, an HTTP status and an API code on top
// of the underlying cause.
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

func (e *CategorizedError) Error() string {
	if e.Cause == nil {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
}

func (e *CategorizedError) Unwrap() error { return e.Cause }

// ToServiceError converts to the API error body.
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{Code: e.Code, Message: e.Message, Details: e.Details}
}

// kind is the fixed part of a CategorizedError.
type kind struct {
	category ErrorCategory
	status   int
	code     string
}

var (
	kindInvalidParameter = kind{CategoryValidation, http.StatusBadRequest, "INVALID_PARAMETER"}
	kindMalformedEvent   = kind{CategoryUserInput, http.StatusBadRequest, "MALFORMED_EVENT"}
	kindUnauthorized     = kind{CategoryAuthorization, http.StatusUnauthorized, "UNAUTHORIZED"}
	kindNotFound         = kind{CategoryNotFound, http.StatusNotFound, "NOT_FOUND"}
	kindUnknownPosition  = kind{CategoryNotFound, http.StatusNotFound, "UNKNOWN_POSITION"}
	kindStaleWrite       = kind{CategoryConflict, http.StatusConflict, "STALE_WRITE"}
	kindRateLimited      = kind{CategoryRateLimit, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"}
	kindInternal         = kind{CategorySystem, http.StatusInternalServerError, "INTERNAL_ERROR"}
	kindDatabase         = kind{CategoryDatabase, http.StatusInternalServerError, "DATABASE_ERROR"}
	kindChainUnavailable = kind{CategoryChain, http.StatusBadGateway, "CHAIN_UNAVAILABLE"}
	kindDeliveryFailed   = kind{CategoryDelivery, http.StatusBadGateway, "DELIVERY_FAILED"}
)

// sentinelKinds maps bare sentinels to their kind, checked in order.
var sentinelKinds = []struct {
	err  error
	kind kind
}{
	{ErrChainUnavailable, kindChainUnavailable},
	{ErrMalformedEvent, kindMalformedEvent},
	{ErrUnknownPosition, kindUnknownPosition},
	{ErrPositionNotFound, kindUnknownPosition},
	{ErrStaleWrite, kindStaleWrite},
	{ErrDeliveryFailure, kindDeliveryFailed},
}

func (k kind) new(message string, cause error, details map[string]interface{}) *CategorizedError {
	return &CategorizedError{
		Category:   k.category,
		StatusCode: k.status,
		Code:       k.code,
		Message:    message,
		Details:    details,
		Cause:      cause,
	}
}

// NewInvalidParameterError reports a rejected request field.
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return kindInvalidParameter.new(fmt.Sprintf("invalid parameter '%s': %s", param, reason), nil,
		map[string]interface{}{"parameter": param, "reason": reason})
}

// NewMalformedEventError wraps ErrMalformedEvent with a reason.
func NewMalformedEventError(reason string) *CategorizedError {
	return kindMalformedEvent.new(reason, ErrMalformedEvent, nil)
}

func NewUnauthorizedError(message string) *CategorizedError {
	return kindUnauthorized.new(message, nil, nil)
}

func NewNotFoundError(resource string, id string) *CategorizedError {
	return kindNotFound.new(fmt.Sprintf("%s not found: %s", resource, id), nil,
		map[string]interface{}{"resource": resource, "id": id})
}

// NewUnknownPositionError wraps ErrUnknownPosition for ref.
func NewUnknownPositionError(ref string) *CategorizedError {
	return kindUnknownPosition.new("position is not tracked: "+ref, ErrUnknownPosition,
		map[string]interface{}{"position": ref})
}

// NewStaleWriteError wraps ErrStaleWrite with the losing and stored versions.
func NewStaleWriteError(ref string, candidate, stored uint64) *CategorizedError {
	return kindStaleWrite.new(
		fmt.Sprintf("version %d is not newer than stored %d for %s", candidate, stored, ref),
		ErrStaleWrite,
		map[string]interface{}{"position": ref, "candidate": candidate, "stored": stored})
}

func NewRateLimitError(retryAfter int) *CategorizedError {
	return kindRateLimited.new("rate limit exceeded", nil, map[string]interface{}{"retryAfter": retryAfter})
}

func NewInternalError(message string, cause error) *CategorizedError {
	return kindInternal.new(message, cause, nil)
}

// NewDatabaseError wraps a storage failure during operation.
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return kindDatabase.new("database error during "+operation, cause,
		map[string]interface{}{"operation": operation})
}

// NewChainUnavailableError records the chain and underlying RPC failure while
// still matching ErrChainUnavailable.
func NewChainUnavailableError(chain string, cause error) *CategorizedError {
	return kindChainUnavailable.new(fmt.Sprintf("chain %s unavailable", chain),
		fmt.Errorf("%w: %w", ErrChainUnavailable, cause),
		map[string]interface{}{"chain": chain})
}

// NewDeliveryError wraps ErrDeliveryFailure for a channel.
func NewDeliveryError(channel string, cause error) *CategorizedError {
	return kindDeliveryFailed.new(fmt.Sprintf("delivery via %s failed", channel),
		fmt.Errorf("%w: %w", ErrDeliveryFailure, cause),
		map[string]interface{}{"channel": channel})
}

// Categorize returns err as a CategorizedError. Wrapped sentinels get their
// kind; anything else is internal.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}
	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return kindInternal.new(svcErr.Message, nil, svcErr.Details).withCode(svcErr.Code)
	}
	for _, s := range sentinelKinds {
		if stderrors.Is(err, s.err) {
			return s.kind.new(err.Error(), err, nil)
		}
	}
	return NewInternalError("unexpected error", err)
}

func (e *CategorizedError) withCode(code string) *CategorizedError {
	e.Code = code
	return e
}

// GetHTTPStatusCode returns the HTTP status for err.
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether err is worth another attempt. Chain outages,
// delivery failures and database errors are; malformed input, stale writes
// and unknown positions are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, permanent := range []error{ErrStaleWrite, ErrMalformedEvent, ErrUnknownPosition, ErrPositionNotFound} {
		if stderrors.Is(err, permanent) {
			return false
		}
	}

	catErr := Categorize(err)
	switch catErr.Category {
	case CategoryChain, CategoryDatabase, CategoryDelivery:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError reports whether err maps to a 4xx response.
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
