// Package language wraps the gqlparser frontend: parsing, validation,
// operation selection, and the error vocabulary shared by the rest of
// the module.
package language

import (
	"errors"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"
)

type (
	Schema              = ast.Schema
	Source              = ast.Source
	QueryDocument       = ast.QueryDocument
	OperationDefinition = ast.OperationDefinition
	Operation           = ast.Operation
	SelectionSet        = ast.SelectionSet
	Field               = ast.Field

	Error     = gqlerror.Error
	ErrorList = gqlerror.List

	// ValidationRule is one entry of the validation rule set.
	ValidationRule = validator.Rule
)

const (
	Query        Operation = ast.Query
	Mutation     Operation = ast.Mutation
	Subscription Operation = ast.Subscription
)

// ParseQuery parses raw query text into a document. The returned error
// is a *Error carrying the source position of the syntax failure.
func ParseQuery(source string) (*QueryDocument, error) {
	return parser.ParseQuery(&ast.Source{Input: source})
}

// Validate runs the validation rule set against doc. An empty rules
// slice means the default rules. All violations are reported, not just
// the first.
func Validate(schema *Schema, doc *QueryDocument, rules ...ValidationRule) ErrorList {
	return validator.Validate(schema, doc, rules...)
}

// SelectOperation resolves the operation to execute. An empty name
// selects the document's sole operation; otherwise the name must match
// one of the document's operation definitions. Returns nil when no
// operation can be resolved.
func SelectOperation(doc *QueryDocument, name string) *OperationDefinition {
	return doc.Operations.ForName(name)
}

// Errorf builds a GraphQL error from a format string.
func Errorf(format string, args ...any) *Error {
	return gqlerror.Errorf(format, args...)
}

// WrapError converts err into a GraphQL error, passing it through
// unchanged when it already is one.
func WrapError(err error) *Error {
	var gqlErr *Error
	if errors.As(err, &gqlErr) {
		return gqlErr
	}
	return gqlerror.Errorf("%s", err.Error())
}

// WrapErrorList converts err into an error list, flattening lists that
// already are one.
func WrapErrorList(err error) ErrorList {
	var list ErrorList
	if errors.As(err, &list) {
		return list
	}
	return ErrorList{WrapError(err)}
}
