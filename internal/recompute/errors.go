package recompute

import "errors"

// ErrClosed is returned by Trigger after Shutdown.
var ErrClosed = errors.New("coordinator is shut down")
