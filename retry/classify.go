package retry

import (
	"context"
	"errors"

	"github.com/flowloom/engine/core"
)

// DefaultClassifier maps a generic error into this engine's error-kind
// enumeration when the producing capability did not already classify it:
// context cancellation/deadline first, then any already-attached
// core.FrameworkError kind, falling back to transient_network for anything
// unrecognized — an unrecognized failure is more often a network blip than
// a permanent fault in the kinds of adapters this engine dispatches to.
func DefaultClassifier(err error) core.ErrorKind {
	if err == nil {
		return core.KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return core.KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.KindTimeout
	}

	var fe *core.FrameworkError
	if errors.As(err, &fe) {
		return fe.Kind
	}

	return core.KindTransientNetwork
}
