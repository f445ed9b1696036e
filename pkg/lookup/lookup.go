// Package lookup asks registration data services when a domain expires.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Client performs one expiry lookup. It never retries; a nil date with a nil error means the
// service answered but published no expiry.
type Client interface {
	Lookup(ctx context.Context, domain string) (*time.Time, error)
}

// Func adapts a plain function to Client
type Func func(ctx context.Context, domain string) (*time.Time, error)

// Lookup calls f
func (f Func) Lookup(ctx context.Context, domain string) (*time.Time, error) {
	return f(ctx, domain)
}

// Kind says why a lookup failed
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindNotFound  Kind = "not_found"
	KindProtocol  Kind = "protocol_error"
	KindMalformed Kind = "malformed_response"
)

// Kinds lists every failure kind in reporting order
var Kinds = []Kind{KindTimeout, KindNotFound, KindProtocol, KindMalformed}

// Error is a failed lookup for one domain
type Error struct {
	Kind   Kind
	Domain string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("lookup %s: %s: %v", e.Domain, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies any error returned by a Client. Errors that are not *Error are treated as
// protocol errors, except context deadlines which are timeouts.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindProtocol
}

func newError(kind Kind, domain string, err error) *Error {
	return &Error{Kind: kind, Domain: domain, Err: err}
}

// First normalizes a list of candidate dates to the first one; some registries report several
func First(dates []time.Time) *time.Time {
	if len(dates) == 0 {
		return nil
	}
	d := dates[0]
	return &d
}
