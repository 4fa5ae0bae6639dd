package transaction

import (
	"fmt"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/record"
	"github.com/pingcap/errors"
)

// ErrTransactionConflict means the transaction could not make progress because another live transaction holds an
// item it needs, or because the item or record kept changing under it. Retrying the operation later may succeed.
type ErrTransactionConflict struct {
	TxID   string
	Item   record.Target
	Owner  string
	Reason string
}

func (e *ErrTransactionConflict) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("transaction %s conflicts with pending transaction %s on %v", e.TxID, e.Owner, e.Item)
	}
	return fmt.Sprintf("transaction %s conflict: %s", e.TxID, e.Reason)
}

// ErrItemNotLocked means a transaction tried to finish an item it holds no lock on.
type ErrItemNotLocked struct {
	TxID string
	Item record.Target
}

func (e *ErrItemNotLocked) Error() string {
	return fmt.Sprintf("item %v is not locked by transaction %s", e.Item, e.TxID)
}

// ErrDuplicateRequest means a request id was reused for a different operation.
type ErrDuplicateRequest struct {
	TxID      string
	RequestID string
}

func (e *ErrDuplicateRequest) Error() string {
	return fmt.Sprintf("request %s of transaction %s was already submitted with a different payload", e.RequestID, e.TxID)
}

type ErrTransactionAlreadyComplete struct {
	TxID  string
	State record.State
}

func (e *ErrTransactionAlreadyComplete) Error() string {
	return fmt.Sprintf("transaction %s is already %v", e.TxID, e.State)
}

// ErrStoreUnavailable wraps a failed call to the underlying store.
type ErrStoreUnavailable struct {
	Op  string
	Err error
}

func (e *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *ErrStoreUnavailable) Unwrap() error {
	return e.Err
}

type ErrTransactionNotFound struct {
	TxID string
}

func (e *ErrTransactionNotFound) Error() string {
	return fmt.Sprintf("transaction %s not found", e.TxID)
}

type ErrInvalidRequest struct {
	Reason string
}

func (e *ErrInvalidRequest) Error() string {
	return "invalid request: " + e.Reason
}

// ErrConditionCheckFailed means the expected attributes of a write did not hold. The transaction has been rolled
// back.
type ErrConditionCheckFailed struct {
	TxID      string
	RequestID string
	Item      record.Target
}

func (e *ErrConditionCheckFailed) Error() string {
	return fmt.Sprintf("transaction %s: condition of request %s on %v does not hold", e.TxID, e.RequestID, e.Item)
}

// ErrCorruptRecord means the stored Transaction Record of TxID could not be parsed.
type ErrCorruptRecord struct {
	TxID string
	Err  error
}

func (e *ErrCorruptRecord) Error() string {
	return fmt.Sprintf("transaction record %s is corrupt: %v", e.TxID, e.Err)
}

func (e *ErrCorruptRecord) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a conflict that a later attempt may not run into.
func IsRetryable(err error) bool {
	_, ok := errors.Cause(err).(*ErrTransactionConflict)
	return ok
}

// storeErr wraps err as an ErrStoreUnavailable unless it is already one of the protocol errors above.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch errors.Cause(err).(type) {
	case *ErrTransactionConflict, *ErrItemNotLocked, *ErrDuplicateRequest, *ErrTransactionAlreadyComplete,
		*ErrStoreUnavailable, *ErrTransactionNotFound, *ErrInvalidRequest, *ErrConditionCheckFailed, *ErrCorruptRecord:
		return err
	}
	return &ErrStoreUnavailable{Op: op, Err: err}
}
