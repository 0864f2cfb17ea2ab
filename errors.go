package tally

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrInvalidAmount    = errors.New("tally: amount must be positive")
	ErrCurrencyMismatch = errors.New("tally: currency mismatch")
	ErrInvalidInput     = errors.New("tally: invalid input")

	// Ledger errors
	ErrInsufficientBalance  = account.ErrInsufficientBalance
	ErrDuplicateExternalRef = errors.New("tally: duplicate external reference")
	ErrSameAccount          = errors.New("tally: transfer source and destination are the same account")
	ErrAccountNotFound      = account.ErrAccountNotFound
	ErrAccountExists        = account.ErrAccountExists
	ErrTransactionNotFound  = account.ErrTransactionNotFound

	// Pricing errors
	ErrUnknownModel = pricing.ErrUnknownModel

	// Subscription errors
	ErrSubscriptionNotFound = subscription.ErrSubscriptionNotFound
	ErrSubscriptionExists   = subscription.ErrSubscriptionExists
	ErrInvalidTransition    = subscription.ErrInvalidTransition

	// Webhook errors
	ErrSignatureInvalid        = errors.New("tally: webhook signature invalid")
	ErrEventProcessed          = store.ErrEventProcessed
	ErrMalformedEvent          = errors.New("tally: malformed webhook event")
	ErrReferencedEntityMissing = errors.New("tally: referenced entity missing")

	// Store errors
	ErrStoreUnavailable = store.ErrUnavailable
	ErrStoreClosed      = store.ErrClosed
	ErrUnknownOutcome   = errors.New("tally: outcome unknown, look up the receipt before retrying")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tally: validation failed for %s: %s", e.Field, e.Message)
}

// Is makes every ValidationError match ErrInvalidInput.
func (e ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// UnknownOutcomeError wraps a failure after which the write may or may not
// have committed. Callers should look the receipt up by its reference
// before retrying. Reference is the stored external ref.
type UnknownOutcomeError struct {
	Op        string
	Reference string
	Err       error
}

func (e *UnknownOutcomeError) Error() string {
	if e.Reference == "" {
		return fmt.Sprintf("tally: %s: outcome unknown: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tally: %s %q: outcome unknown: %v", e.Op, e.Reference, e.Err)
}

func (e *UnknownOutcomeError) Unwrap() []error {
	return []error{ErrUnknownOutcome, e.Err}
}

// unknownOutcome wraps err when it leaves the commit state undetermined.
func unknownOutcome(op, ref string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrStoreUnavailable) {
		return &UnknownOutcomeError{Op: op, Reference: ref, Err: err}
	}
	return err
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrUnknownModel)
}

// IsRetryable returns true if the error is temporary and the operation can
// be retried, after a receipt lookup when the outcome is unknown.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrUnknownOutcome) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent returns true if retrying the same request can never succeed.
// Webhook deliveries failing this way are recorded as rejected and
// acknowledged.
func IsPermanent(err error) bool {
	var ve ValidationError
	return errors.Is(err, ErrReferencedEntityMissing) ||
		errors.Is(err, ErrMalformedEvent) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.As(err, &ve)
}
