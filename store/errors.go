package store

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

var (
	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("lattice: entity not found")

	// ErrAlreadyExists is returned when saving a new entity whose id is taken.
	ErrAlreadyExists = errors.New("lattice: entity already exists")

	// ErrConcurrentModification is returned when optimistic lock fails (version mismatch).
	ErrConcurrentModification = errors.New("lattice: entity was modified concurrently")

	// ErrConfiguration is returned for invalid or unknown relationship definitions.
	// It is a startup-time error: callers should fail fast on it.
	ErrConfiguration = errors.New("lattice: configuration error")

	// ErrInvalidReference is returned when a ref is malformed or has the wrong type
	// for the relationship side it is used on.
	ErrInvalidReference = errors.New("lattice: invalid entity reference")

	// ErrRestricted is returned when a delete is blocked by a RESTRICT policy.
	ErrRestricted = errors.New("lattice: deletion restricted")

	// ErrTransaction is returned when the underlying store failed and the
	// transaction was rolled back. State is unchanged; the whole operation may be retried.
	ErrTransaction = errors.New("lattice: transaction failed")

	// ErrTransactionTooLarge is returned when a transaction exceeds the store's item limit.
	ErrTransactionTooLarge = errors.New("lattice: transaction too large")

	// ErrInvalidPatch is returned when a partial update names a field that is
	// not allow-listed or carries a value that fails its rule.
	ErrInvalidPatch = errors.New("lattice: invalid patch")
)

// RestrictedError reports the relationship that blocked a delete.
type RestrictedError struct {
	// Relationship is the name of the blocking relationship.
	Relationship string

	// Target is the entity whose deletion was requested.
	Target Ref

	// Blocking is an entity still linked through Relationship.
	Blocking Ref
}

func (e *RestrictedError) Error() string {
	return fmt.Sprintf("lattice: cannot delete %s: still referenced by %s through %q",
		e.Target, e.Blocking, e.Relationship)
}

// Is makes errors.Is(err, ErrRestricted) match.
func (e *RestrictedError) Is(target error) bool {
	return target == ErrRestricted
}

// TransactionError wraps a store failure that caused a rollback.
type TransactionError struct {
	// Op is the public operation that failed (e.g., "link").
	Op string

	cause *goerrors.Error
}

// NewTransactionError wraps cause, recording the caller's stack.
func NewTransactionError(op string, cause error) *TransactionError {
	return &TransactionError{Op: op, cause: goerrors.Wrap(cause, 1)}
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("lattice: %s: transaction failed: %v", e.Op, e.cause.Err)
}

// Unwrap returns the store error.
func (e *TransactionError) Unwrap() error {
	return e.cause.Err
}

// Is makes errors.Is(err, ErrTransaction) match.
func (e *TransactionError) Is(target error) bool {
	return target == ErrTransaction
}

// Stack returns the stack trace captured when the failure was wrapped.
func (e *TransactionError) Stack() string {
	return string(e.cause.Stack())
}

// IsDomainError reports whether err is one of the typed failures that is
// surfaced as-is rather than wrapped in a TransactionError.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrRestricted) ||
		errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrInvalidReference) ||
		errors.Is(err, ErrInvalidPatch) ||
		errors.Is(err, ErrTransaction)
}
