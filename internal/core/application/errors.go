package application

import "fmt"

// InvalidRequestError is returned for registrations that can never succeed.
type InvalidRequestError struct {
	reason string
}

func (e InvalidRequestError) Error() string {
	return e.reason
}

func invalidRequest(format string, args ...interface{}) error {
	return InvalidRequestError{fmt.Sprintf(format, args...)}
}
