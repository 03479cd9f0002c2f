package remote

import (
	"errors"
	"fmt"
)

// ErrCheckAttemptsExceeded is returned when the list is still processing after
// protocol.max_check_attempts polls.
var ErrCheckAttemptsExceeded = errors.New("list still processing: check attempts exceeded")

// RemoteError is a response that is neither success nor a retryable condition.
// Body is the response body exactly as received.
type RemoteError struct {
	Op         Op
	StatusCode int
	Body       string
	Text       string // Body decoded for display
}

func (e *RemoteError) Error() string {
	text := e.Text
	if text == "" {
		text = e.Body
	}
	return fmt.Sprintf("%s: [%d] %s", e.Op, e.StatusCode, text)
}
