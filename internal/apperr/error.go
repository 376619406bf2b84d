// Package apperr normalises the mixture of sentinel errors, casbin
// permission errors and raft errors surfaced across the server into a
// single typed error so transport layers can map them to gRPC codes or
// HTTP statuses without sniffing error strings.
package apperr

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind enumerates the error classes surfaced to clients and peers.
type Kind int

const (
	Unknown Kind = iota
	NotFound
	InvalidArgument
	NoLeader
	Storage
	Consensus
	Timeout
	Unauthenticated
	Forbidden
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case InvalidArgument:
		return "InvalidArgument"
	case NoLeader:
		return "NoLeader"
	case Storage:
		return "Storage"
	case Consensus:
		return "Consensus"
	case Timeout:
		return "Timeout"
	case Unauthenticated:
		return "Unauthenticated"
	case Forbidden:
		return "Forbidden"
	default:
		return "Unknown"
	}
}

// Error is the sum-type error every component returns.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, &apperr.Error{Kind: apperr.NotFound}) style
// checks work by comparing kinds when the target is itself a bare
// *Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// GRPCStatus lets grpc-go's status.FromError extract a rich status.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(grpcCode(e.Kind), e.Error())
}

func grpcCode(k Kind) codes.Code {
	switch k {
	case NotFound:
		return codes.NotFound
	case InvalidArgument:
		return codes.InvalidArgument
	case NoLeader:
		return codes.Unavailable
	case Storage:
		return codes.Internal
	case Consensus:
		return codes.Aborted
	case Timeout:
		return codes.DeadlineExceeded
	case Unauthenticated:
		return codes.Unauthenticated
	case Forbidden:
		return codes.PermissionDenied
	default:
		return codes.Unknown
	}
}

// HTTPStatus maps a Kind to the status code the HTTP mirror should answer
// with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case NotFound:
		return 404
	case InvalidArgument:
		return 422
	case NoLeader:
		return 503
	case Storage:
		return 500
	case Consensus:
		return 409
	case Timeout:
		return 504
	case Unauthenticated:
		return 401
	case Forbidden:
		return 403
	default:
		return 500
	}
}

// HTTPStatus maps any error to the HTTP status the mirror API should
// answer with, extracting a wrapped *Error's Kind via KindOf first.
func HTTPStatus(err error) int {
	return Kind(KindOf(err)).httpStatus()
}

func (k Kind) httpStatus() int {
	return (&Error{Kind: k}).HTTPStatus()
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, else Unknown.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return Unknown
	}
	return e.Kind
}
