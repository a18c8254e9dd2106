// Package errs implements a tagged-error hierarchy: errors carry a Kind
// and answer IsRetryable() so the retry helper (internal/retry) never
// string-matches error text.
package errs

import "fmt"

// Kind classifies an error by where it originated and whether it's
// worth retrying.
type Kind string

const (
	KindRateLimitExceeded   Kind = "rate_limit_exceeded"
	KindFetchTransient      Kind = "fetch_transient"
	KindFetchHard           Kind = "fetch_hard"
	KindLLMTransient        Kind = "llm_transient"
	KindLLMMalformedJSON    Kind = "llm_malformed_json"
	KindValidationViolation Kind = "validation_violation"
	KindEmbeddingFailure    Kind = "embedding_failure"
	KindVectorUpsertFailure Kind = "vector_upsert_failure"
	KindDBError             Kind = "db_error"
	KindConstraintViolation Kind = "constraint_violation"
	KindCancelled           Kind = "cancelled"
)

// retryableKinds lists the kinds that represent retryable conditions
// outright; LLMMalformedJSON is retried only via the JSON-repair path
// and is reclassified to LLMTransient by the caller once repair fails,
// so it is included here too.
var retryableKinds = map[Kind]bool{
	KindFetchTransient:   true,
	KindLLMTransient:     true,
	KindLLMMalformedJSON: true,
}

// Error is a tagged error: a Kind plus a wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether this error kind should be retried by
// internal/retry.
func (e *Error) IsRetryable() bool {
	return retryableKinds[e.Kind]
}

// New builds a new tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsRetryable reports whether err is a tagged Error with a retryable
// Kind. Untagged errors are treated as non-retryable by default —
// callers that want untagged errors retried must tag them first.
func IsRetryable(err error) bool {
	var e *Error
	if AsError(err, &e) {
		return e.IsRetryable()
	}
	return false
}

// AsError is a small errors.As wrapper kept local to avoid importing
// the stdlib errors package purely for this one call site in callers
// that already import errs.
func AsError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf returns the Kind of err if it is a tagged Error, else "".
func KindOf(err error) Kind {
	var e *Error
	if AsError(err, &e) {
		return e.Kind
	}
	return ""
}
