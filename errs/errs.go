// Package errs holds the error taxonomy shared by the queue, session and
// transport layers. Handlers map these to HTTP statuses with errors.Is.
package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrUnresolvableSource is returned when a source cannot be turned into a playable track.
	ErrUnresolvableSource = errors.New("source could not be resolved to a playable track")

	// ErrNotFound is returned for stale references, e.g. voting on an item that was already popped.
	ErrNotFound = errors.New("not found")

	// ErrSessionGone is returned when the session was deleted or expired mid-operation.
	ErrSessionGone = errors.New("session ended")

	// ErrConnectionLost is returned by the client when the transport drops.
	ErrConnectionLost = errors.New("connection lost")

	// ErrDuplicateTrack is returned when the same canonical track is already queued.
	ErrDuplicateTrack = errors.New("this track is already in the queue")

	// ErrInvalidVote is returned for votes other than +1 or -1, or without a user.
	ErrInvalidVote = errors.New("vote must be -1 or 1 and carry a user id")

	// ErrForbidden is returned when a participant asserts a capability it does not hold.
	ErrForbidden = errors.New("forbidden")

	// ErrAdvanceInFlight is returned when an advance is requested while another one is popping.
	ErrAdvanceInFlight = errors.New("advance already in progress")

	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("invalid request")
)

// HTTPStatus maps an error from the taxonomy to a response status.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnresolvableSource),
		errors.Is(err, ErrInvalidVote),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateTrack), errors.Is(err, ErrAdvanceInFlight):
		return http.StatusConflict
	case errors.Is(err, ErrSessionGone):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
