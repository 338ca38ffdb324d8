// Package moorerr implements the error taxonomy of spec.md §7 as a closed
// set of Kind values attached to wrapped errors, so callers can branch on
// "what kind of failure was this" with errors.As instead of string matching,
// the same sentinel-error style the teacher uses in pkg/svc/docker.go
// (ErrDockerStatusUnknown, ErrDockerNotFound).
package moorerr

import (
	"errors"
	"fmt"
)

// Kind is one taxonomy entry from spec.md §7.
type Kind string

const (
	Configuration Kind = "configuration"
	Preflight     Kind = "preflight"
	Transfer      Kind = "transfer"
	Deployment    Kind = "deployment"
	ProxyAdmin    Kind = "proxy_admin"
	ACME          Kind = "acme"
	Runtime       Kind = "runtime"
)

// Error wraps an underlying error with its taxonomy Kind.
type Error struct {
	Kind Kind
	Op   string // short description of what was being attempted
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given Kind and a short operation description.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether the first *Error in err's chain has the given Kind.
func Is(err error, kind Kind) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == kind
	}
	return false
}

// KindOf returns the Kind attached to err, if any.
func KindOf(err error) (Kind, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind, true
	}
	return "", false
}
