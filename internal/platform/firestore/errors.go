package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errKind int

const (
	errKindUnknown errKind = iota
	errKindNotFound
	errKindConflict
	errKindUnavailable
)

// Error classifies a Firestore failure into the categories the repository
// layer acts on. It satisfies the repositories.RepositoryError behaviour
// interface.
type Error struct {
	op   string
	kind errKind
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the error represents a missing document.
func (e *Error) IsNotFound() bool {
	return e != nil && e.kind == errKindNotFound
}

// IsConflict reports whether the error represents a contended or conflicting write.
func (e *Error) IsConflict() bool {
	return e != nil && e.kind == errKindConflict
}

// IsUnavailable reports whether the error represents a transient backend outage.
func (e *Error) IsUnavailable() bool {
	return e != nil && e.kind == errKindUnavailable
}

func classify(code codes.Code) errKind {
	switch code {
	case codes.NotFound:
		return errKindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted, codes.OutOfRange:
		return errKindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return errKindUnavailable
	}
	return errKindUnknown
}

// WrapError annotates Firestore errors with repository semantics. Context
// cancellations are passed through untouched so callers can match on them.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var repoErr *Error
	if errors.As(err, &repoErr) {
		if op != "" && repoErr.op == "" {
			repoErr.op = op
		}
		return repoErr
	}
	return &Error{op: op, kind: classify(status.Code(err)), err: err}
}
