package poller

import (
	"errors"
	"fmt"
)

var (
	ErrConnection     = errors.New("mail store connection failed")
	ErrPollInProgress = errors.New("poll already in progress")
)

// ConnectionError means the mail store could not be reached, logged into
// or searched. It ends the poll cycle.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mail store %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }
