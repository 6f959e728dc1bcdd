package hotdb

import (
	"errors"
	"fmt"
)

var ErrTransaction = errors.New("transaction failed")

// TransactionError wraps a write failure after the transaction has
// been rolled back. No partial state is observable; the caller may
// retry the whole write.
type TransactionError struct {
	Op    string
	DocID string
	Cause error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s failed for document %s (rolled back): %v", e.Op, e.DocID, e.Cause)
}

func (e *TransactionError) Is(target error) bool {
	return target == ErrTransaction
}

func (e *TransactionError) Unwrap() error {
	return e.Cause
}
