package lipsync

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind int

const (
	KindInvalidInput Kind = iota + 1
	KindAssetMissing
	KindAudioUnavailable
	KindBackendFailure
	KindCancelled
	KindStorage
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrAssetMissing     = errors.New("asset missing")
	ErrAudioUnavailable = errors.New("audio unavailable")
	ErrBackendFailure   = errors.New("backend failure")
	ErrCancelled        = errors.New("cancelled")
	ErrStorage          = errors.New("output storage failure")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidInput:
		return ErrInvalidInput
	case KindAssetMissing:
		return ErrAssetMissing
	case KindAudioUnavailable:
		return ErrAudioUnavailable
	case KindBackendFailure:
		return ErrBackendFailure
	case KindCancelled:
		return ErrCancelled
	case KindStorage:
		return ErrStorage
	}
	return nil
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a failed pipeline stage. errors.Is matches it against the sentinel
// of its Kind as well as anything in the wrapped chain.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Stage names reported in errors, logs and job events.
const (
	StageValidate = "validate"
	StageAssets   = "assets"
	StageOutput   = "output"
	StageWorkDir  = "workdir"
	StageAudio    = "audio"
	StageRender   = "render"
	StageConcat   = "concat"
	StageProbe    = "probe"
	StageExtend   = "extend"
	StageMux      = "mux"
	StagePublish  = "publish"
)

// stageError wraps err for stage, reporting cancellation when the caller's
// context is done regardless of the kind the stage would normally carry.
func stageError(ctx context.Context, kind Kind, stage string, err error) error {
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		kind = KindCancelled
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the Kind of err, or zero when err is not a pipeline error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// StageOf returns the stage of err, or "" when err is not a pipeline error.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

func invalid(format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Stage: StageValidate, Err: fmt.Errorf(format, args...)}
}
