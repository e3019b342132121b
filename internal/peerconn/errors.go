package peerconn

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when an operation runs before Initialize.
	ErrNotInitialized = errors.New("peer connection not initialized")

	// ErrClosed is returned for operations after Close.
	ErrClosed = errors.New("peer connection closed")

	// ErrNoVideoSender is returned by ReplaceVideoTrack when no camera
	// track was attached.
	ErrNoVideoSender = errors.New("no video sender attached")
)

// NegotiationError reports a failed offer, answer or description step.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed (%s): %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func negotiation(op string, err error) error {
	if err == nil {
		return nil
	}
	var ne *NegotiationError
	if errors.As(err, &ne) {
		return err
	}
	return &NegotiationError{Op: op, Err: err}
}
