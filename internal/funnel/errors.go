package funnel

import "errors"

// Errors the engine propagates to its caller. Validation and authorization
// failures are handled in place (re-prompt, silent denial) and never cross
// the engine boundary; remote failures are logged by the caller and retried
// on the next scheduled tick where one exists.
var (
	ErrNotFound          = errors.New("not found")
	ErrRemoteUnavailable = errors.New("remote unavailable")
)
