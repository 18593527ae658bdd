package service

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"

	"treemapdb/pkg/dberrors"
)

// Error kinds carried across a transport so the caller can still match
// the sentinel errors.
const (
	kindApplication      = "application"
	kindUnknownOperation = "unknown-operation"
	kindUnknownPartition = "unknown-partition"
	kindNotSupported     = "not-supported"
	kindNotFound         = "not-found"
	kindNotLeader        = "not-leader"
	kindInvalidArgument  = "invalid-argument"
	kindClosed           = "closed"
	kindOther            = "other"
)

var wireSentinels = map[string]error{
	kindUnknownOperation: dberrors.ErrUnknownOperation,
	kindUnknownPartition: dberrors.ErrUnknownPartition,
	kindNotSupported:     dberrors.ErrNotSupported,
	kindNotFound:         dberrors.ErrNotFound,
	kindNotLeader:        dberrors.ErrNotLeader,
	kindInvalidArgument:  dberrors.ErrInvalidArgument,
	kindClosed:           dberrors.ErrClosed,
}

type wireError struct {
	Kind      string `msgpack:"kind"`
	Cause     string `msgpack:"cause,omitempty"`
	Operation string `msgpack:"op,omitempty"`
	Message   string `msgpack:"msg"`
}

// RemoteError is an error decoded from a peer.
type RemoteError struct {
	Kind    string
	Message string
	cause   error
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.cause
}

// ErrorKind classifies err for transport. Unrecognised errors are "other".
func ErrorKind(err error) string {
	if dberrors.IsApplication(err) {
		return kindApplication
	}
	for kind, sentinel := range wireSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return kindOther
}

// CauseKind classifies the error wrapped by an ApplicationError.
func CauseKind(err error) string {
	var appErr *dberrors.ApplicationError
	if !errors.As(err, &appErr) || appErr.Err == nil {
		return ""
	}
	return ErrorKind(appErr.Err)
}

// RebuildError turns a transported error back into one that matches the
// original sentinel or ApplicationError. cause is the kind of the error an
// ApplicationError wrapped.
func RebuildError(kind, cause, operation, message string) error {
	if kind == kindApplication {
		inner := &RemoteError{Kind: cause, Message: message, cause: wireSentinels[cause]}
		return &dberrors.ApplicationError{Operation: operation, Err: inner}
	}
	return &RemoteError{Kind: kind, Message: message, cause: wireSentinels[kind]}
}

// EncodeError serialises err for an error frame.
func EncodeError(err error) []byte {
	w := wireError{Kind: ErrorKind(err), Cause: CauseKind(err), Message: err.Error()}
	var appErr *dberrors.ApplicationError
	if errors.As(err, &appErr) {
		w.Operation = appErr.Operation
		w.Message = appErr.Err.Error()
	}
	data, mErr := msgpack.Marshal(&w)
	if mErr != nil {
		return []byte(err.Error())
	}
	return data
}

// DecodeError rebuilds an error produced by EncodeError. Payloads that are
// not valid encodings become a plain RemoteError.
func DecodeError(data []byte) error {
	var w wireError
	if err := msgpack.Unmarshal(data, &w); err != nil || w.Kind == "" {
		return &RemoteError{Kind: kindOther, Message: string(data)}
	}
	return RebuildError(w.Kind, w.Cause, w.Operation, w.Message)
}
