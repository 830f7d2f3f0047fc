package transport

import (
	"context"
	"errors"
	"fmt"
)

// Mechanism names a way of reaching the identity backend.
type Mechanism string

const (
	MechanismCORS   Mechanism = "cors"
	MechanismScript Mechanism = "script"
)

// Category is the normalized failure taxonomy for backend calls.
type Category string

const (
	// CategoryTimeout indicates the backend did not answer within the load timeout.
	CategoryTimeout Category = "timeout"
	// CategoryTransport indicates the request could not be completed.
	CategoryTransport Category = "transport"
	// CategoryBadData indicates the backend answered with something other than a JSON object.
	CategoryBadData Category = "bad_data"
)

var (
	ErrNoURL       = errors.New("no backend URL for field group")
	ErrNoMechanism = errors.New("no usable transport mechanism")
)

// CallError wraps a backend call failure with its category.
type CallError struct {
	Category   Category
	Mechanism  Mechanism
	Group      string
	Message    string
	Underlying error
}

func (e *CallError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s call for %s [%s]: %s: %v", e.Mechanism, e.Group, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s call for %s [%s]: %s", e.Mechanism, e.Group, e.Category, e.Message)
}

func (e *CallError) Unwrap() error {
	return e.Underlying
}

// IsTimeout reports whether err is a backend call that timed out.
func IsTimeout(err error) bool {
	return GetCategory(err) == CategoryTimeout
}

// GetCategory extracts the category of err, defaulting to CategoryTransport.
func GetCategory(err error) Category {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryTransport
}

func newCallError(category Category, mechanism Mechanism, call Call, message string, underlying error) *CallError {
	return &CallError{
		Category:   category,
		Mechanism:  mechanism,
		Group:      call.Group,
		Message:    message,
		Underlying: underlying,
	}
}

// Call describes one request for a field group.
type Call struct {
	Group string
	// ScriptURL is the callback-style URL; the transport appends
	// CallbackParam=<token>.
	ScriptURL     string
	CallbackParam string
	// CORSURL is the JSON URL. Empty disables the CORS mechanism.
	CORSURL string
	// Stale reports whether the group was resolved by other means, in which
	// case a failed CORS call is not retried.
	Stale func() bool
}

// Completion receives the outcome of a call on the scheduler goroutine.
// Exactly one of OnSuccess or OnFailure runs per call.
type Completion struct {
	OnSuccess func(payload map[string]any)
	OnFailure func(err *CallError)
}

// Fetcher issues backend calls.
type Fetcher interface {
	Fetch(ctx context.Context, call Call, done Completion)
}
