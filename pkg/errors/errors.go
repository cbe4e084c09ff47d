package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnrecognizedFormat = errors.New("unrecognized document format")
	ErrWriterOpen         = errors.New("writer session already open")
	ErrInvalidInput       = errors.New("invalid input")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnavailable        = errors.New("dependency unavailable")
	ErrInternal           = errors.New("internal error")
)

// MappingError marks a per-document failure that is permanent: retrying the
// same bytes can never succeed, so callers report it and move on.
type MappingError struct {
	Key string
	Err error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping %q: %s", e.Key, e.Err.Error())
}

func (e *MappingError) Unwrap() error {
	return e.Err
}

func NewMappingError(key string, err error) *MappingError {
	return &MappingError{Key: key, Err: err}
}

type QueryErrorKind int

const (
	QuerySyntax QueryErrorKind = iota
	UnknownQualifier
	UnknownPredicate
	UnknownScopeQualifier
)

func (k QueryErrorKind) String() string {
	switch k {
	case UnknownQualifier:
		return "unknown qualifier"
	case UnknownPredicate:
		return "unknown predicate"
	case UnknownScopeQualifier:
		return "unknown scope qualifier"
	default:
		return "syntax error"
	}
}

// QueryError is a caller-visible compile failure for a search query string.
// It is never retried.
type QueryError struct {
	Kind   QueryErrorKind
	Detail string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func NewQueryError(kind QueryErrorKind, format string, args ...any) *QueryError {
	return &QueryError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IndexError wraps engine I/O failures. The indexer loop treats these as
// possibly transient; the search path treats them as fatal for the request.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %s: %s", e.Op, e.Err.Error())
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

func NewIndexError(op string, err error) *IndexError {
	return &IndexError{Op: op, Err: err}
}

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	var queryErr *QueryError
	if errors.As(err, &queryErr) {
		return http.StatusBadRequest
	}

	var mappingErr *MappingError
	if errors.As(err, &mappingErr) {
		return http.StatusBadRequest
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnrecognizedFormat):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
