// Package daemonerr defines the daemon's distinguishable error kinds, so RPC
// handlers and the finalizer can tell a bad client call apart from a broken
// disk or a catalog inconsistency without string-matching.
package daemonerr

import (
	"errors"
	"fmt"
)

// Kind classifies a daemon-side error for the RPC layer and logging.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotAuthenticated
	KindInvalidState
	KindIO
	KindCatalogError
	KindTransportError
)

func (k Kind) String() string {
	switch k {
	case KindNotAuthenticated:
		return "NotAuthenticated"
	case KindInvalidState:
		return "InvalidState"
	case KindIO:
		return "IO"
	case KindCatalogError:
		return "CatalogError"
	case KindTransportError:
		return "TransportError"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can type-switch on
// it (errors.As) without depending on message text.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func NotAuthenticated(msg string) error { return &Error{Kind: KindNotAuthenticated, Msg: msg} }

func InvalidState(msg string) error { return &Error{Kind: KindInvalidState, Msg: msg} }

func IO(msg string, cause error) error { return &Error{Kind: KindIO, Msg: msg, Err: cause} }

func CatalogError(msg string, cause error) error {
	return &Error{Kind: KindCatalogError, Msg: msg, Err: cause}
}

func TransportError(msg string, cause error) error {
	return &Error{Kind: KindTransportError, Msg: msg, Err: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
