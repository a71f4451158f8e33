package connection

import "fmt"

// ConnectionError is a failed advertise, discover or connect. It is surfaced as the Error
// state and never fatal.
type ConnectionError struct {
	Op         string
	EndpointID string
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.EndpointID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.EndpointID, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
