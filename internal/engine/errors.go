package engine

import (
	"net/http"
	"strings"

	"github.com/hanpama/graphserve/internal/language"
)

// ErrorKind identifies the pipeline stage that produced a request
// failure.
type ErrorKind int

const (
	ErrMissingQuery ErrorKind = iota
	ErrSyntax
	ErrValidation
	ErrOperationResolution
	ErrMethodNotAllowed
	ErrInvalidVariables
	ErrExecutionSetup
	ErrExecution
)

// Error is a request failure together with the HTTP status and extra
// headers it must be delivered with. Errs holds the domain errors for
// the payload and is never empty; validation failures carry the full
// violation list.
type Error struct {
	Kind   ErrorKind
	Status int
	Header http.Header
	Errs   language.ErrorList
}

func (e *Error) Error() string { return e.Errs.Error() }

func badRequest(kind ErrorKind, message string) *Error {
	return &Error{
		Kind:   kind,
		Status: http.StatusBadRequest,
		Errs:   language.ErrorList{language.Errorf("%s", message)},
	}
}

func missingQueryError() *Error {
	return badRequest(ErrMissingQuery, "Must provide query string.")
}

func syntaxError(err error) *Error {
	return &Error{
		Kind:   ErrSyntax,
		Status: http.StatusBadRequest,
		Errs:   language.ErrorList{language.WrapError(err)},
	}
}

func validationError(errs language.ErrorList) *Error {
	return &Error{Kind: ErrValidation, Status: http.StatusBadRequest, Errs: errs}
}

func operationResolutionError(message string) *Error {
	return badRequest(ErrOperationResolution, message)
}

func invalidVariablesError() *Error {
	return badRequest(ErrInvalidVariables, "Variables are invalid JSON.")
}

func methodNotAllowedError(message string, allow ...string) *Error {
	return &Error{
		Kind:   ErrMethodNotAllowed,
		Status: http.StatusMethodNotAllowed,
		Header: http.Header{"Allow": []string{strings.Join(allow, ", ")}},
		Errs:   language.ErrorList{language.Errorf("%s", message)},
	}
}

func executionSetupError(err error) *Error {
	return &Error{
		Kind:   ErrExecutionSetup,
		Status: http.StatusInternalServerError,
		Errs:   language.WrapErrorList(err),
	}
}

func executionError(err error) *Error {
	return &Error{
		Kind:   ErrExecution,
		Status: http.StatusInternalServerError,
		Errs:   language.WrapErrorList(err),
	}
}
