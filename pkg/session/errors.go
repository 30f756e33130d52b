package session

import (
	"errors"
	"fmt"
)

// ErrStorageUnavailable marks a failure of the shared backing store: an
// outage, a timeout, or a refused connection. Callers may retry; the
// authentication path maps it to a server-error class rather than
// unauthorized.
var ErrStorageUnavailable = errors.New("session storage unavailable")

// StorageUnavailable wraps err so that errors.Is(err, ErrStorageUnavailable)
// holds while the underlying cause stays inspectable.
func StorageUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
