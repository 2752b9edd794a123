package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures for callers. The api package maps kinds to HTTP statuses.
type ErrorKind string

const (
	KindUnsupportedMedia ErrorKind = "unsupported_media"
	KindNoFaceDetected   ErrorKind = "no_face_detected"
	KindEmptyText        ErrorKind = "empty_text"
	KindTextTooLong      ErrorKind = "text_too_long"
	KindInvalidRequest   ErrorKind = "invalid_request"
	KindInferenceOOM     ErrorKind = "inference_oom"
	KindCapacity         ErrorKind = "capacity_exhausted"
	KindTimeout          ErrorKind = "timeout"
	KindCanceled         ErrorKind = "canceled"
	KindEncoding         ErrorKind = "encoding_error"
	KindInternal         ErrorKind = "internal_error"
)

var (
	ErrUnsupportedMedia = errors.New("unsupported media")
	ErrNoFaceDetected   = errors.New("no face detected")
	ErrEmptyText        = errors.New("text is empty")
	ErrTextTooLong      = errors.New("text is too long")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInferenceOOM     = errors.New("inference ran out of device memory")
	ErrCapacity         = errors.New("gpu queue is full")
	ErrTimeout          = errors.New("job exceeded its time budget")
	ErrCanceled         = errors.New("job canceled")
	ErrEncoding         = errors.New("encoding failed")
)

var kindBySentinel = []struct {
	err  error
	kind ErrorKind
}{
	{ErrUnsupportedMedia, KindUnsupportedMedia},
	{ErrNoFaceDetected, KindNoFaceDetected},
	{ErrEmptyText, KindEmptyText},
	{ErrTextTooLong, KindTextTooLong},
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrInferenceOOM, KindInferenceOOM},
	{ErrCapacity, KindCapacity},
	{ErrTimeout, KindTimeout},
	{ErrCanceled, KindCanceled},
	{ErrEncoding, KindEncoding},
}

// KindOf classifies err. Bare context errors map to timeout/canceled; anything
// unrecognised is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) && stageErr.Kind != "" {
		return stageErr.Kind
	}
	for _, s := range kindBySentinel {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindInternal
}

// IsValidation reports kinds caused by bad input; these are never retried.
func (k ErrorKind) IsValidation() bool {
	switch k {
	case KindUnsupportedMedia, KindNoFaceDetected, KindEmptyText, KindTextTooLong, KindInvalidRequest:
		return true
	}
	return false
}

// IsRetryable reports resource kinds the caller may retry after backoff.
func (k ErrorKind) IsRetryable() bool {
	return k == KindInferenceOOM || k == KindCapacity || k == KindTimeout
}

// StageError is a stage-aware error produced by the orchestrator.
type StageError struct {
	Stage JobStatus
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStageError classifies err and attaches the stage it came from.
func NewStageError(stage JobStatus, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindOf(err), Err: err}
}
