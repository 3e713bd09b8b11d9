package model

import "errors"

var (
	// ErrUpgradeRequired is returned when a socket endpoint receives a plain HTTP request.
	ErrUpgradeRequired = errors.New("expected Upgrade: websocket")

	// ErrStoreUnavailable is returned when the durable store cannot be read or written.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSendFailed is returned when a push to a session's sink fails.
	ErrSendFailed = errors.New("send failed")

	// ErrMalformedPayload is returned when an inbound event body cannot be parsed.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrNotFound is returned by a store when no blob exists under the key.
	ErrNotFound = errors.New("not found")

	// ErrHubClosed is returned when an operation reaches a hub that was put to sleep.
	ErrHubClosed = errors.New("hub closed")
)
