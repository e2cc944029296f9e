package notify

import "errors"

// ErrStreamClosed is returned by Wait when the only trigger went away.
var ErrStreamClosed = errors.New("notification stream closed")
