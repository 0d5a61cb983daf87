package model

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateMessage short-circuits processing of an already handled message.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrStaleMessage marks a message older than the accepted age window.
	ErrStaleMessage = errors.New("stale message")
	// ErrConversationUnavailable means the contact or thread could not be resolved.
	ErrConversationUnavailable = errors.New("conversation unavailable")
	// ErrRunConflict means an active run could not be cleared from the thread.
	ErrRunConflict     = errors.New("thread has an active run that could not be cancelled")
	ErrThreadNotFound  = errors.New("thread not found")
	ErrContactNotFound = errors.New("contact not found")
	ErrNotFound        = errors.New("not found")
)

// UnsupportedMediaError is returned when a media payload fails MIME validation.
type UnsupportedMediaError struct {
	MediaType MessageType
	MimeType  string
}

func (e *UnsupportedMediaError) Error() string {
	if e.MimeType == "" {
		return fmt.Sprintf("%s without mime type", e.MediaType)
	}
	return fmt.Sprintf("unsupported %s mime type %q", e.MediaType, e.MimeType)
}

// TranscriptionError wraps a speech-to-text failure.
type TranscriptionError struct {
	Err error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription failed: %v", e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// ErrorKind classifies a backend failure.
type ErrorKind string

const (
	KindRateLimited ErrorKind = "rate_limited"
	KindTimeout     ErrorKind = "timeout"
	KindServer      ErrorKind = "server"
	KindNetwork     ErrorKind = "network"
	KindFatal       ErrorKind = "fatal"
)

// Transient reports whether a retry may succeed.
func (k ErrorKind) Transient() bool {
	return k != KindFatal
}

// BackendError is a classified failure from an external collaborator.
type BackendError struct {
	Service    string
	Op         string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %s (status %d): %v", e.Service, e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Service, e.Op, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// KindFromStatus maps an HTTP status code to an error kind.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 408 || status == 504:
		return KindTimeout
	case status >= 500:
		return KindServer
	default:
		return KindFatal
	}
}

// KindOf returns the kind of the first BackendError in err's chain, or KindFatal.
func KindOf(err error) ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindFatal
}

// IsTransient reports whether err is a retryable backend failure.
func IsTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Kind.Transient()
}

// RunFailedError is returned when a run ends in a terminal state other than completed.
type RunFailedError struct {
	RunID     string
	Status    RunStatus
	Code      string
	LastError string
}

func (e *RunFailedError) Error() string {
	if e.LastError != "" {
		return fmt.Sprintf("run %s ended %s: %s", e.RunID, e.Status, e.LastError)
	}
	return fmt.Sprintf("run %s ended %s", e.RunID, e.Status)
}
