package searchdb

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeUserQuery   ErrorType = "user_query"
	ErrorTypeSchema      ErrorType = "schema"
	ErrorTypeConsistency ErrorType = "consistency"
	ErrorTypeEngine      ErrorType = "engine"
	ErrorTypeExhaustion  ErrorType = "exhaustion"
	ErrorTypeConfig      ErrorType = "config"
)

// Error codes consolidated across the query, schema and reload paths
const (
	ErrCodeUnknownColumn      = "UNKNOWN_COLUMN"
	ErrCodeMalformedOperator  = "MALFORMED_OPERATOR"
	ErrCodeMalformedQuery     = "MALFORMED_QUERY"
	ErrCodeMixedProjection    = "MIXED_PROJECTION"
	ErrCodeNoLabelColumn      = "NO_LABEL_COLUMN"
	ErrCodeAmbiguousUpsert    = "AMBIGUOUS_UPSERT"
	ErrCodeImmutableID        = "IMMUTABLE_ID"
	ErrCodeMissingSort        = "MISSING_SORT"
	ErrCodeInvalidType        = "INVALID_TYPE"
	ErrCodeDependentIndex     = "DEPENDENT_INDEX"
	ErrCodeDependentSort      = "DEPENDENT_SORT"
	ErrCodeDuplicateIndex     = "DUPLICATE_INDEX"
	ErrCodeDuplicateColumn    = "DUPLICATE_COLUMN"
	ErrCodeUnknownIndex       = "UNKNOWN_INDEX"
	ErrCodeInvalidIndexSpec   = "INVALID_INDEX_SPEC"
	ErrCodeExtraTableExists   = "EXTRA_TABLE_EXISTS"
	ErrCodeNoExtraTable       = "NO_EXTRA_TABLE"
	ErrCodeRowCountMismatch   = "ROW_COUNT_MISMATCH"
	ErrCodeDuplicateCatalog   = "DUPLICATE_CATALOG_ROW"
	ErrCodeUnknownTable       = "UNKNOWN_TABLE"
	ErrCodeTableExists        = "TABLE_EXISTS"
	ErrCodeStatementFailed    = "STATEMENT_FAILED"
	ErrCodeTransactionFailed  = "TRANSACTION_FAILED"
	ErrCodeCopyFailed         = "COPY_FAILED"
	ErrCodeRandomExhausted    = "RANDOM_EXHAUSTED"
	ErrCodeMissingStats       = "MISSING_STATS"
	ErrCodeInvalidBuckets     = "INVALID_BUCKETS"
	ErrCodeInvalidGrantAction = "INVALID_GRANT_ACTION"
)

// Error represents unified errors from the table and reload layers
type Error struct {
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Table   string         `json:"table,omitempty"`
	Column  string         `json:"column,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	switch {
	case e.Table != "" && e.Column != "":
		return fmt.Sprintf("[%s:%s] %s.%s: %s", e.Type, e.Code, e.Table, e.Column, e.Message)
	case e.Table != "":
		return fmt.Sprintf("[%s:%s] table %s: %s", e.Type, e.Code, e.Table, e.Message)
	case e.Column != "":
		return fmt.Sprintf("[%s:%s] column '%s': %s", e.Type, e.Code, e.Column, e.Message)
	default:
		return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithTable adds table context to an Error
func (e *Error) WithTable(table string) *Error {
	e.Table = table
	return e
}

// WithColumn adds column context to an Error
func (e *Error) WithColumn(column string) *Error {
	e.Column = column
	return e
}

// WithCause adds a cause to an Error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail adds a single detail to an Error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewError creates a new Error
func NewError(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewUserQueryError creates an error for a malformed or invalid caller query.
// No state has changed when this is returned.
func NewUserQueryError(code, message string) *Error {
	return NewError(ErrorTypeUserQuery, code, message)
}

// NewUnknownColumnError creates an unknown-column query error
func NewUnknownColumnError(table, column string) *Error {
	return &Error{
		Type:    ErrorTypeUserQuery,
		Code:    ErrCodeUnknownColumn,
		Message: "not a column of " + table,
		Table:   table,
		Column:  column,
	}
}

// NewSchemaError creates an error for a rejected schema change.
// No DDL has been issued when this is returned.
func NewSchemaError(code, message string) *Error {
	return NewError(ErrorTypeSchema, code, message)
}

// NewConsistencyError creates a fatal consistency error. The enclosing
// transaction is rolled back by the caller before this is surfaced.
func NewConsistencyError(code, message string) *Error {
	return NewError(ErrorTypeConsistency, code, message)
}

// NewEngineError wraps an underlying statement failure
func NewEngineError(message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeEngine,
		Code:    ErrCodeStatementFailed,
		Message: message,
		Cause:   cause,
	}
}

// NewTransactionError wraps a begin/commit failure
func NewTransactionError(message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeEngine,
		Code:    ErrCodeTransactionFailed,
		Message: message,
		Cause:   cause,
	}
}

// NewExhaustionError creates an error for an exhausted retry budget
func NewExhaustionError(code, message string) *Error {
	return NewError(ErrorTypeExhaustion, code, message)
}

func isErrorType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// IsUserQueryError checks whether an error was caused by the caller's query
func IsUserQueryError(err error) bool { return isErrorType(err, ErrorTypeUserQuery) }

// IsSchemaError checks whether an error is a rejected schema change
func IsSchemaError(err error) bool { return isErrorType(err, ErrorTypeSchema) }

// IsConsistencyError checks whether an error is a fatal consistency violation
func IsConsistencyError(err error) bool { return isErrorType(err, ErrorTypeConsistency) }

// IsEngineError checks whether an error came from the underlying engine
func IsEngineError(err error) bool { return isErrorType(err, ErrorTypeEngine) }

// IsExhaustionError checks whether an error is an exhausted retry budget
func IsExhaustionError(err error) bool { return isErrorType(err, ErrorTypeExhaustion) }

// HasErrorCode checks whether an error carries the given code
func HasErrorCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
