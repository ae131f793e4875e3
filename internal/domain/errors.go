package domain

import "errors"

var (
	// ErrRecordNotFound means the call id does not resolve to a record.
	// Fatal to the call attempt; no retry.
	ErrRecordNotFound = errors.New("call record not found")

	// ErrMediaAcquisition means camera/microphone access failed or was
	// denied. Fatal to the call attempt; the user must re-initiate.
	ErrMediaAcquisition = errors.New("local media unavailable")

	// ErrUnavailable marks a transient signaling store failure. Reads,
	// updates and appends wrapped in this error are retryable.
	ErrUnavailable = errors.New("signaling store unavailable")

	// ErrDescriptionSet means a write tried to replace an offer or answer
	// that another write already populated with a different value.
	ErrDescriptionSet = errors.New("session description already set")

	// ErrInvalidTransition means a status write would leave a terminal
	// status or skip the allowed lifecycle order.
	ErrInvalidTransition = errors.New("invalid call status transition")

	// ErrOfferTimeout means the receiver gave up waiting for the caller's
	// offer to appear on the record.
	ErrOfferTimeout = errors.New("timed out waiting for offer")
)
