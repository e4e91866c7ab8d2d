package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/n10l/speechrelay/internal/vocabulary"
)

// ErrorCode is the engine's reason for an error callback.
type ErrorCode string

const (
	ErrCodeNotAllowed        ErrorCode = "not-allowed"
	ErrCodeServiceNotAllowed ErrorCode = "service-not-allowed"
	ErrCodeNetwork           ErrorCode = "network"
	ErrCodeAudioCapture      ErrorCode = "audio-capture"
	ErrCodeAborted           ErrorCode = "aborted"
	ErrCodeNoSpeech          ErrorCode = "no-speech"
)

// ErrorClass groups error codes by how the controller reacts to them.
type ErrorClass int

const (
	// ClassRecoverable errors are absorbed by reconnecting.
	ClassRecoverable ErrorClass = iota
	// ClassFatal errors end the session until the producer intervenes.
	ClassFatal
	// ClassBenign errors are ignored.
	ClassBenign
)

func (c ErrorClass) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassBenign:
		return "benign"
	default:
		return "recoverable"
	}
}

// Classify maps an error code to its class. Unknown codes are recoverable.
func Classify(code ErrorCode) ErrorClass {
	switch code {
	case ErrCodeNotAllowed, ErrCodeServiceNotAllowed:
		return ClassFatal
	case ErrCodeNoSpeech:
		return ClassBenign
	default:
		return ClassRecoverable
	}
}

// CodeError carries an engine error code through a Go error return, for
// engines whose Start fails synchronously.
type CodeError struct {
	Code ErrorCode
	Err  error
}

func (e *CodeError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodeError) Unwrap() error { return e.Err }

// CodeOf extracts the engine error code from err, defaulting to network.
func CodeOf(err error) ErrorCode {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeNetwork
}

// Result is one recognized utterance. Alternatives are ordered as the engine
// ranked them.
type Result struct {
	IsFinal      bool
	Alternatives []vocabulary.Alternative
}

// Handler receives engine lifecycle callbacks. Implementations must not block.
type Handler interface {
	OnStart()
	OnEnd()
	OnError(code ErrorCode)
	OnResult(results []Result)
}

// Engine is an external recognizer. Start begins one recognition run and
// returns once it is under way; callbacks for that run go to h until OnEnd.
// Stop asks the current run to end; the engine still calls OnEnd.
type Engine interface {
	Start(ctx context.Context, h Handler) error
	Stop() error
}
