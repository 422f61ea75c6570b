package governance

import "errors"

var (
	// ErrValidation covers bad input: empty reason, non-positive limit,
	// missing required fields. Nothing changes state.
	ErrValidation = errors.New("governance: invalid input")
	// ErrInvalidState covers operations illegal in the current state,
	// such as deciding a non-pending request or claiming an owned item.
	ErrInvalidState = errors.New("governance: invalid state")
	// ErrNotFound covers unknown ids.
	ErrNotFound = errors.New("governance: not found")
	// ErrStoreUnavailable covers transient store failures; callers and
	// the sweeper retry with backoff.
	ErrStoreUnavailable = errors.New("governance: store unavailable")
	// ErrChainBroken is returned by audit chain verification when a
	// stored entry no longer matches its recorded hash.
	ErrChainBroken = errors.New("governance: audit chain broken")
)
