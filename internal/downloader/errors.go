package downloader

import (
	"fmt"

	"github.com/brensch/edgarsync/internal/util"
)

// StatusError is returned when the archive answered with a non-2xx status.
type StatusError = util.StatusError

// TransportError wraps failures where no usable response was received:
// connection errors, timeouts and truncated bodies.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error fetching %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
