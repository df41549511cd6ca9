package connector

import "errors"

// Errors returned by Subscribe and Advertise
var (
	// ErrEmptyTopic is returned when params carry no topic name.
	ErrEmptyTopic = errors.New("empty topic name")

	// ErrEmptyType is returned when params carry no message type.
	ErrEmptyType = errors.New("empty message type")

	// ErrNilCallback is returned when Subscribe is given a nil callback.
	ErrNilCallback = errors.New("nil subscription callback")

	// ErrClosed is returned for operations on a closed connector.
	ErrClosed = errors.New("connector closed")
)
