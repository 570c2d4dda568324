package event

import (
	"errors"
	"fmt"
)

// Sentinel causes wrapped by ValidationError.
var (
	ErrMissingSessionID = errors.New("missing sessionId")
	ErrMissingType      = errors.New("missing event type")
	ErrMissingField     = errors.New("missing required field")
	ErrMalformed        = errors.New("malformed payload")
)

// Kind categorizes failures inside the sync engine.
type Kind string

const (
	// KindValidation is a missing or malformed required field. The event is
	// dropped and logged.
	KindValidation Kind = "VALIDATION"

	// KindResolution is a product or form lookup miss. A safe default is
	// substituted where one exists.
	KindResolution Kind = "RESOLUTION"

	// KindDownstream is a failed call into an external service. It is
	// reported to the session as an *_error event.
	KindDownstream Kind = "DOWNSTREAM"

	// KindTransport is a failed delivery to a single participant. It is
	// logged and never surfaces to the caller.
	KindTransport Kind = "TRANSPORT"
)

// ValidationError reports an inbound event that cannot be processed.
type ValidationError struct {
	Type  Type
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s: field %q: %v", KindValidation, e.Type, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: field %q: %v", KindValidation, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ResolutionError reports a lookup that found nothing usable.
type ResolutionError struct {
	Resource string
	Key      string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s: %s %q: %v", KindResolution, e.Resource, e.Key, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// DownstreamError reports a failed external call.
type DownstreamError struct {
	Service string
	Err     error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("%s: %s: %v", KindDownstream, e.Service, e.Err)
}

func (e *DownstreamError) Unwrap() error { return e.Err }

// TransportError reports a failed delivery to one participant.
type TransportError struct {
	Transport     string
	ParticipantID string
	Err           error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s -> %s: %v", KindTransport, e.Transport, e.ParticipantID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// KindOf returns the category of err, or "" if it is not one of ours.
func KindOf(err error) Kind {
	var (
		ve *ValidationError
		re *ResolutionError
		de *DownstreamError
		te *TransportError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &re):
		return KindResolution
	case errors.As(err, &de):
		return KindDownstream
	case errors.As(err, &te):
		return KindTransport
	}
	return ""
}
