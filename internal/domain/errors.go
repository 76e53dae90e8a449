package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("listing not found")
	ErrMissingID = errors.New("record has no identifier")
)

// Kind classifies failures so the pipeline can decide between run-fatal and
// record-local handling.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfig
	KindAuth
	KindTransport
	KindParse
	KindGeocodeMiss
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindParse:
		return "parse"
	case KindGeocodeMiss:
		return "geocode_miss"
	default:
		return "unknown"
	}
}

// Error carries a Kind, an operation label and, for upstream failures, the
// HTTP status and a truncated body for diagnostics.
type Error struct {
	Kind   Kind
	Op     string
	Msg    string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := e.Kind.String() + " error"
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Status != 0 {
		s += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Body != "" {
		s += ": " + e.Body
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func ConfigErrorf(format string, a ...any) error {
	return &Error{Kind: KindConfig, Msg: fmt.Sprintf(format, a...)}
}

func AuthError(op string, status int, body string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Status: status, Body: body, Err: err}
}

func TransportError(op string, status int, body string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Status: status, Body: body, Err: err}
}

func ParseError(op string, err error) error {
	return &Error{Kind: KindParse, Op: op, Err: err}
}

func GeocodeMiss(zone string, err error) error {
	return &Error{Kind: KindGeocodeMiss, Op: "geocode", Msg: fmt.Sprintf("zone %q not resolved", zone), Err: err}
}

// AsError unwraps err into *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, KindUnknown for foreign errors.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, k Kind) bool { return KindOf(err) == k }
