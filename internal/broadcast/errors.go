package broadcast

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelRegistered reports a second handler registration on a channel
	// that already has one in this process.
	ErrChannelRegistered = errors.New("broadcast: channel already registered")

	// ErrSerialize reports an argument or result the codec cannot encode.
	// It surfaces at the call site, before anything is published.
	ErrSerialize = errors.New("broadcast: value not serializable")

	// ErrStarted reports a registration attempted after the dispatcher began
	// consuming. The registry is write-once-at-startup.
	ErrStarted = errors.New("broadcast: dispatcher already started")

	// ErrNotStarted reports a lifecycle misuse, such as stopping a
	// dispatcher that never ran.
	ErrNotStarted = errors.New("broadcast: dispatcher not started")
)

// DecodeError reports envelope bytes the codec cannot interpret. The
// dispatcher logs and drops such messages; it never stops consuming.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broadcast: decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "broadcast: decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }
