package agent

import (
	"errors"
	"fmt"
)

// ErrModelRequest matches *ModelError.
var ErrModelRequest = errors.New("model request failed")

// ModelError reports a failed completion request. Phase is "initial"
// or "follow-up".
type ModelError struct {
	Phase string
	Model string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s completion (%s): %v", e.Phase, e.Model, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

func (e *ModelError) Is(target error) bool { return target == ErrModelRequest }
