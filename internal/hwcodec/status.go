package hwcodec

import (
	"errors"
	"fmt"
)

// StatusError is a status code returned by the service. Recoverable
// statuses affect one frame; any other status means the session is gone.
type StatusError struct {
	Code        int32
	Op          string
	Recoverable bool
}

func (e *StatusError) Error() string {
	kind := "fatal"
	if e.Recoverable {
		kind = "recoverable"
	}
	return fmt.Sprintf("hwcodec: %s: status %d (%s)", e.Op, e.Code, kind)
}

// IsRecoverable reports whether err is a recoverable StatusError.
func IsRecoverable(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Recoverable
}
