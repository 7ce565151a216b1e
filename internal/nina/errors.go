package nina

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nugget/nina-bridge/internal/httpkit"
)

var (
	// ErrUnsupportedDevice is returned when a class has no known endpoint.
	ErrUnsupportedDevice = errors.New("unsupported device")

	// ErrUnsupportedCommand is returned by [ParseCommand] for payloads
	// the target device cannot act on.
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrMalformedResponse wraps body decode failures.
	ErrMalformedResponse = errors.New("malformed response")
)

// StatusError is an upstream response with a non-success status, either
// from the HTTP status line or from the API envelope's StatusCode.
type StatusError struct {
	StatusCode int
	Path       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error %d on %s: %s", e.StatusCode, e.Path, e.Message)
}

// IsTransient reports whether err is worth retrying: connection
// failures, timeouts, 5xx responses, and 408/429. Client errors,
// malformed responses, unsupported devices, and cancellation are
// permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrUnsupportedDevice) || errors.Is(err, ErrUnsupportedCommand) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode >= 500:
			return true
		case se.StatusCode == http.StatusRequestTimeout, se.StatusCode == http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}

	return httpkit.IsConnectError(err)
}
