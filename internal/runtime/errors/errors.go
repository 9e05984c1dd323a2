package errors

import (
	sterrors "errors"
	"fmt"
)

// Configuration errors. These escape to the caller at pipeline construction
// time and are never retried.
var (
	ErrConfigRequired       = sterrors.New("microservice: configuration is required")
	ErrLoggerRequired       = sterrors.New("microservice: logger is required")
	ErrServiceRequired      = sterrors.New("microservice: service is required")
	ErrChannelIDRequired    = sterrors.New("microservice: channel id is required")
	ErrDuplicateChannel     = sterrors.New("microservice: channel already registered for direction")
	ErrChannelNotFound      = sterrors.New("microservice: channel not registered")
	ErrPartitionsRequired   = sterrors.New("microservice: channel partitions must be set before attaching a client")
	ErrPartitionsLocked     = sterrors.New("microservice: channel partitions cannot change after a client is attached")
	ErrInternalChannel      = sterrors.New("microservice: transport clients cannot attach to an internal channel")
	ErrDirectionMismatch    = sterrors.New("microservice: channel direction does not match client")
	ErrHandlerRequired      = sterrors.New("microservice: command handler is required")
	ErrCommandKeyRequired   = sterrors.New("microservice: command requires at least a channel id")
	ErrDuplicateCommand     = sterrors.New("microservice: command already registered for header")
	ErrMessageTypeRequired  = sterrors.New("microservice: command message type is required")
	ErrMessagePointerNeeded = sterrors.New("microservice: command message type must be a pointer")
	ErrScheduleNameRequired = sterrors.New("microservice: schedule name is required")
	ErrInvalidTimer         = sterrors.New("microservice: schedule timer needs a frequency or cron expression")
	ErrDuplicateSchedule    = sterrors.New("microservice: schedule already registered")
	ErrDuplicateMasterJob   = sterrors.New("microservice: master job already registered")
	ErrResourceIDRequired   = sterrors.New("microservice: resource profile id is required")
	ErrDuplicateResource    = sterrors.New("microservice: resource profile already registered")
	ErrTransportRequired    = sterrors.New("microservice: transport is required")
	ErrServiceStarted       = sterrors.New("microservice: service already started")
)

// Runtime errors. These are contained at the smallest unit of work and only
// surface through payload signals, task completion callbacks and the
// data collector.
var (
	ErrRetryExceeded        = sterrors.New("microservice: transmit retry limit exceeded")
	ErrTransitCountExceeded = sterrors.New("microservice: message transit count exceeded")
	ErrNoListeners          = sterrors.New("microservice: no listeners attached to fabric")
	ErrListenerClosed       = sterrors.New("microservice: listener is closed")
	ErrNoSender             = sterrors.New("microservice: no sender attached for outgoing channel")
	ErrPayloadRequired      = sterrors.New("microservice: payload is required")
	ErrPayloadPurged        = sterrors.New("microservice: payload purged before processing")
	ErrUnhandledMessage     = sterrors.New("microservice: no command registered for message")
	ErrProcessingTimeout    = sterrors.New("microservice: processing time exceeded")
	ErrTaskPanicked         = sterrors.New("microservice: task panicked")
	ErrManagerStopped       = sterrors.New("microservice: task manager stopped")
)

// ConfigValidationError wraps the joined result of Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("microservice: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil so callers can wrap the
// Validate result unconditionally.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// UnprocessableMessageError marks a message body that could not be decoded
// or failed validation. Retrying it cannot succeed.
type UnprocessableMessageError struct {
	MessageID string
	Err       error
}

func (e *UnprocessableMessageError) Error() string {
	return "microservice: unprocessable message " + e.MessageID + ": " + e.Err.Error()
}

func (e *UnprocessableMessageError) Unwrap() error {
	return e.Err
}

// NewUnprocessableMessageError wraps err for the message with id.
func NewUnprocessableMessageError(messageID string, err error) error {
	if err == nil {
		return nil
	}
	return &UnprocessableMessageError{MessageID: messageID, Err: err}
}
