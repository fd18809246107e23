package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for an unknown, completing or closed
	// session id.
	ErrSessionNotFound = errors.New("capture: session not found")
	// ErrEmptySession is returned when completing a session with no frames.
	// The session is closed.
	ErrEmptySession = errors.New("capture: session has no frames")
	// ErrInvalidFrame is returned for frame data that cannot be stored.
	ErrInvalidFrame = errors.New("capture: invalid frame")
	// ErrCompositionFailure marks a PipelineError raised while composing.
	ErrCompositionFailure = errors.New("capture: composition failed")
	// ErrTilingFailure marks a PipelineError raised while tiling.
	ErrTilingFailure = errors.New("capture: tiling failed")
	// ErrNotRetileable is returned by Retile for a session without a
	// retained composed image.
	ErrNotRetileable = errors.New("capture: session has no composed image")
)

// Pipeline stages.
const (
	StageCompose = "compose"
	StageTile    = "tile"
)

// PipelineError reports a failed completion. ComposedImagePath is set when
// the composed image survived (tiling failures), so it can be retiled.
type PipelineError struct {
	SessionID         string
	Stage             string
	ComposedImagePath string
	Err               error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("capture: session %s: %s stage: %v", e.SessionID, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is matches the stage sentinel.
func (e *PipelineError) Is(target error) bool {
	switch target {
	case ErrCompositionFailure:
		return e.Stage == StageCompose
	case ErrTilingFailure:
		return e.Stage == StageTile
	}
	return false
}
