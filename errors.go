package tomcast

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is the error used when a required collaborator is missing or a configuration is invalid.
	ErrConfiguration = errors.New("configuration error")

	// ErrClosed is the error used when an operation is attempted on a closed component.
	ErrClosed = errors.New("closed")

	// ErrExcluded is the error used when a message involves a member that has been excluded from the group.
	ErrExcluded = errors.New("member excluded")

	// ErrDuplicate is the error used when a message has already been delivered.
	ErrDuplicate = errors.New("duplicate message")
)

// TransportError reports a failed send to one destination.
type TransportError struct {
	To  ID
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send to %d: %v", e.To, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DeliveryError reports that the application failed to process a delivered message.
type DeliveryError struct {
	ID  MessageID
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %v: %v", e.ID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
