package call

import (
	"errors"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peerconn"
)

var (
	// ErrTransportUnavailable is returned when signaling is down at the
	// moment a call would be placed or answered.
	ErrTransportUnavailable = errors.New("signaling transport unavailable")

	// ErrCallActive is returned by Initiate while another session is live.
	ErrCallActive = errors.New("a call is already in progress")

	// ErrNoActiveCall is returned by operations that need a live session.
	ErrNoActiveCall = errors.New("no active call")

	// ErrInvalidState is returned when an operation does not apply to the
	// session's current status.
	ErrInvalidState = errors.New("operation not valid in current call state")

	// ErrInvalidRecipient rejects empty or self-addressed calls.
	ErrInvalidRecipient = errors.New("invalid call recipient")

	// ErrInvalidCallType rejects call types other than voice and video.
	ErrInvalidCallType = errors.New("invalid call type")

	// ErrCancelled is returned by Initiate when the call was abandoned
	// before it started ringing.
	ErrCancelled = errors.New("call cancelled before ringing")

	// ErrClosed is returned after the Manager has been closed.
	ErrClosed = errors.New("call manager closed")

	// ErrStaleEvent classifies inbound events for a superseded or unknown
	// call. It is only ever logged.
	ErrStaleEvent = errors.New("stale call event")
)

// IsNegotiationError reports whether err came from a failed SDP step.
func IsNegotiationError(err error) bool {
	var ne *peerconn.NegotiationError
	return errors.As(err, &ne)
}

// IsMediaError reports whether err is a local media acquisition failure.
func IsMediaError(err error) bool {
	var ae *media.AcquisitionError
	return errors.As(err, &ae)
}
