package pool

import (
	"errors"
	"fmt"
)

// ConnectError reports that no usable session could be obtained for an
// account. The account is skipped until the next cycle.
type ConnectError struct {
	AccountID string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect account %s: %v", e.AccountID, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IsConnectError reports whether err (or any error in its chain) is a
// ConnectError.
func IsConnectError(err error) bool {
	var connErr *ConnectError
	return errors.As(err, &connErr)
}
