package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned by New for requests whose options are
	// inconsistent with their mode.
	ErrInvalidRequest = errors.New("invalid fetch request")

	// ErrPayload tags responses whose body is not a JSON object.
	ErrPayload = errors.New("malformed payload")

	// ErrUnreachable is the cause recorded by a failed reachability condition.
	ErrUnreachable = errors.New("host unreachable")

	// ErrAlreadyStarted is returned when a transfer is resumed twice.
	ErrAlreadyStarted = errors.New("transfer already started")
)

// StatusError is reported for responses outside the 2xx range.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
	Body       string // Leading bytes of the response body
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %s", e.URL, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %s: %s", e.URL, e.Status, e.Body)
}

// PayloadError is reported when a response body cannot be decoded.
type PayloadError struct {
	URL string
	Err error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%s: decoding payload: %v", e.URL, e.Err)
}

func (e *PayloadError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPayload}
	}
	return []error{ErrPayload, e.Err}
}
