package domain

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a user-actionable failure.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodeConfiguration ErrorCode = "configuration"
	ErrorCodeMicPermission ErrorCode = "mic_permission_denied"
	ErrorCodeMicNotFound   ErrorCode = "mic_not_found"
	ErrorCodeMicBusy       ErrorCode = "mic_busy"
	ErrorCodeAudioOutput   ErrorCode = "audio_output"
	ErrorCodeTransport     ErrorCode = "transport"
	ErrorCodeDecode        ErrorCode = "decode"
	ErrorCodeWakeWord      ErrorCode = "wake_word"
)

// ErrorKind groups error codes by how the pipeline reacts to them.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindDevice        ErrorKind = "device"
	KindTransport     ErrorKind = "transport"
	KindDecode        ErrorKind = "decode"
	KindInternal      ErrorKind = "internal"
)

// Kind returns the taxonomy group of the code.
func (c ErrorCode) Kind() ErrorKind {
	switch c {
	case ErrorCodeConfiguration:
		return KindConfiguration
	case ErrorCodeMicPermission, ErrorCodeMicNotFound, ErrorCodeMicBusy, ErrorCodeAudioOutput:
		return KindDevice
	case ErrorCodeTransport:
		return KindTransport
	case ErrorCodeDecode:
		return KindDecode
	default:
		return KindInternal
	}
}

// Message returns the short user-facing summary for the code.
func (c ErrorCode) Message() string {
	switch c {
	case ErrorCodeStartup:
		return "Startup failed"
	case ErrorCodeConfiguration:
		return "Configuration is incomplete"
	case ErrorCodeMicPermission:
		return "Microphone access was denied"
	case ErrorCodeMicNotFound:
		return "No microphone was found"
	case ErrorCodeMicBusy:
		return "Microphone is in use by another application"
	case ErrorCodeAudioOutput:
		return "Audio output could not be opened"
	case ErrorCodeTransport:
		return "Connection to the voice service failed"
	case ErrorCodeDecode:
		return "Received malformed audio"
	case ErrorCodeWakeWord:
		return "Wake word listener failed"
	default:
		return "Unknown error"
	}
}

// Error is a pipeline failure with a user-facing message and an optional
// technical detail string.
type Error struct {
	Code    ErrorCode
	Message string
	Detail  string
	Err     error
}

// NewError builds an Error for code, deriving detail from err.
func NewError(code ErrorCode, err error) *Error {
	e := &Error{Code: code, Message: code.Message(), Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

// Errorf builds an Error whose detail is formatted text.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind returns the taxonomy group of the error.
func (e *Error) Kind() ErrorKind {
	return e.Code.Kind()
}

// AsError returns err as an *Error, wrapping it with fallback when it carries
// no code of its own. It returns nil for a nil err.
func AsError(err error, fallback ErrorCode) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(fallback, err)
}

// CodeOf returns the code carried by err, or "" when it has none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
