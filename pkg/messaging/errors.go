package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrArgument is returned when a codec receives input its marker type forbids.
	ErrArgument = errors.New("messaging: invalid argument")

	ErrProducerClosed = errors.New("messaging: producer closed")
	ErrLoopStarted    = errors.New("messaging: consumer loop already started")
	ErrNoHandler      = errors.New("messaging: no handler registered")
)

type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// DeserializationError keeps the raw bytes so poison records can be logged
// and dead-lettered as received.
type DeserializationError struct {
	Raw []byte
	Err error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserialize %d bytes: %v", len(e.Raw), e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// TransientDeliveryError marks a failure that may succeed on redelivery.
type TransientDeliveryError struct {
	Op  string
	Err error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("transient delivery failure (%s): %v", e.Op, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PermanentContentError marks a record that will never succeed.
type PermanentContentError struct {
	Reason string
	Err    error
}

func (e *PermanentContentError) Error() string {
	if e.Err == nil {
		return "permanent content failure: " + e.Reason
	}
	return fmt.Sprintf("permanent content failure: %s: %v", e.Reason, e.Err)
}

func (e *PermanentContentError) Unwrap() error { return e.Err }

// ConnectionFatalError is only produced at startup, when the transport
// cannot be reached or configured.
type ConnectionFatalError struct {
	Err error
}

func (e *ConnectionFatalError) Error() string {
	return fmt.Sprintf("consumer connection failed: %v", e.Err)
}

func (e *ConnectionFatalError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	return &TransientDeliveryError{Op: op, Err: err}
}

func Permanent(reason string, err error) error {
	return &PermanentContentError{Reason: reason, Err: err}
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify maps a handler error onto the commit decision. Unknown errors are
// treated as transient so they get another attempt.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var permanent *PermanentContentError
	if errors.As(err, &permanent) {
		return OutcomePermanent
	}
	var decode *DeserializationError
	if errors.As(err, &decode) {
		return OutcomePermanent
	}
	if errors.Is(err, ErrArgument) {
		return OutcomePermanent
	}
	return OutcomeTransient
}
