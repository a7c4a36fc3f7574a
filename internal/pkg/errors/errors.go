package errors

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalid              = errors.New("invalid")
	ErrConflict             = errors.New("conflict")
	ErrMalformedDocument    = errors.New("malformed document")
	ErrUnsupportedEmbedding = errors.New("unsupported embedding")
	ErrRecognitionFailed    = errors.New("recognition failed")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrIncompleteSession    = errors.New("incomplete session")
	ErrDuplicateResult      = errors.New("duplicate result")
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidState         = errors.New("invalid session state")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsMalformedDocument(err error) bool {
	return errors.Is(err, ErrMalformedDocument)
}

func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsContractViolation reports errors that only an orchestration bug can produce.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrIncompleteSession) || errors.Is(err, ErrDuplicateResult)
}
