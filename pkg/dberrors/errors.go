package dberrors

import (
	"errors"
	"fmt"

	"treemapdb/pkg/types"
)

var (
	ErrNotSupported       = errors.New("treemap: operation not supported")
	ErrNotFound           = errors.New("treemap: no such element")
	ErrClosed             = errors.New("treemap: closed")
	ErrInvalidArgument    = errors.New("treemap: invalid argument")
	ErrUnknownOperation   = errors.New("treemap: unknown operation")
	ErrOperationExists    = errors.New("treemap: operation already registered")
	ErrStreamTypeConflict = errors.New("treemap: stream type registered with a different encoder")
	ErrUnknownPartition   = errors.New("treemap: unknown partition")
	ErrNoPartitions       = errors.New("treemap: no partitions available")
	ErrNotLeader          = errors.New("treemap: not the raft leader")
)

// ApplicationError is returned when a registered operation callback fails.
// The original cause is kept for errors.Is / errors.As.
type ApplicationError struct {
	Operation string
	Err       error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("operation %s failed: %v", e.Operation, e.Err)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}

// NewApplicationError wraps err unless it already is an ApplicationError.
func NewApplicationError(operation string, err error) error {
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return err
	}
	return &ApplicationError{Operation: operation, Err: err}
}

// IsApplication reports whether err carries an ApplicationError.
func IsApplication(err error) bool {
	var appErr *ApplicationError
	return errors.As(err, &appErr)
}

// PartitionError reports the failure of one partition call. A broadcast
// navigation query fails as a whole with this error.
type PartitionError struct {
	Partition types.PartitionID
	Operation string
	// Key is set for calls routed to the owner of a single key.
	Key any
	Err error
}

func (e *PartitionError) Error() string {
	if e.Key != nil {
		return fmt.Sprintf("partition %s: %s key=%v: %v", e.Partition, e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("partition %s: %s: %v", e.Partition, e.Operation, e.Err)
}

func (e *PartitionError) Unwrap() error {
	return e.Err
}
