package core

import (
	"errors"
	"fmt"
)

// ErrWaitTimeout is wrapped by a ProvisionError when an instance did not
// reach running within the fleet wait timeout.
var ErrWaitTimeout = errors.New("timed out waiting for instance")

// ProvisionError is a compute API rejection or an instance that never came up.
type ProvisionError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *ProvisionError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("provision %s %s: %v", e.Op, e.InstanceID, e.Err)
	}
	return fmt.Sprintf("provision %s: %v", e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// TeardownError is one instance that could not be terminated.
type TeardownError struct {
	InstanceID string
	Err        error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("terminate %s: %v", e.InstanceID, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }
