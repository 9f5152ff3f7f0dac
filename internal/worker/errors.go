package worker

import (
	"errors"
	"fmt"

	"github.com/cwygoda/fetcher/internal/domain"
)

// TransferError is a failed attempt. Code is either an HTTP status or one of
// the domain.Code* values.
type TransferError struct {
	Code      int
	Message   string
	Retryable bool
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed (%d): %s", e.Code, e.Message)
}

func retryable(code int, format string, args ...any) *TransferError {
	return &TransferError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

func terminal(code int, format string, args ...any) *TransferError {
	return &TransferError{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	errCanceled = errors.New("canceled")
	errStopped  = errors.New("stopped")
)

func asTransferError(err error) *TransferError {
	var te *TransferError
	if errors.As(err, &te) {
		return te
	}
	return terminal(domain.CodeInvalid, "%v", err)
}
