package spots

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingCache    = errors.New("spot cache is required")
	errMissingRemote   = errors.New("remote store is required")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
