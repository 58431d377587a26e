package pipeline

import (
	"errors"
	"fmt"
)

// Pipeline steps, as reported in StepError.Step.
const (
	StepValidate    = "validate"
	StepLoad        = "load"
	StepPreprocess  = "preprocess"
	StepEncode      = "encode"
	StepInterpolate = "interpolate"
	StepDecode      = "decode"
	StepRender      = "render"
)

// ErrUnknownBackend is returned when the configured backend is not registered.
var ErrUnknownBackend = errors.New("unknown backend")

// StepError reports which step failed and on which image or frame.
type StepError struct {
	Step string
	// Index is the image index for preprocess/encode and the frame index for decode/render; -1 if neither applies.
	Index int
	Path  string
	Err   error
}

func (e *StepError) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("%s %s: %v", e.Step, e.Path, e.Err)
	case e.Index >= 0:
		return fmt.Sprintf("%s #%d: %v", e.Step, e.Index, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Step, e.Err)
	}
}

func (e *StepError) Unwrap() error {
	return e.Err
}
