package styleproxy

import "errors"

// Failure kinds. Match them with errors.Is.
var (
	ErrMissingParameter = errors.New("missing query parameter")
	ErrInvalidURL       = errors.New("invalid URL")
	ErrDomainNotAllowed = errors.New("domain not allowed")
	ErrStylesheetFetch  = errors.New("stylesheet fetch failed")
	ErrUpstreamFetch    = errors.New("upstream fetch failed")
)

// Error is a failed request. Msg is shown to the caller as is.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func newError(kind error, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func kindOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Kind.Error()
	}
	return "unknown"
}
