package providers

import (
	"context"
	"errors"
)

type InstanceState string

const (
	StatePending    InstanceState = "pending"
	StateRunning    InstanceState = "running"
	StateStopped    InstanceState = "stopped"
	StateTerminated InstanceState = "terminated"
)

type Instance struct {
	ID            string
	Label         string
	State         InstanceState
	PublicAddress string
}

// Filter selects cluster members: instances carrying Tag whose state is one
// of States. An empty States matches every state.
type Filter struct {
	Tag    string
	States []InstanceState
}

func (f Filter) Match(inst Instance) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if inst.State == s {
			return true
		}
	}
	return false
}

// CreateRequest is the fixed instance template plus the number to create.
type CreateRequest struct {
	Count     int
	Tag       string
	Label     string
	Region    string
	Image     string
	Size      string
	SSHUser   string
	SSHKey    string
	CloudInit string
}

// Compute is the instance lifecycle API of one cloud.
type Compute interface {
	Name() string
	ListInstances(ctx context.Context, filter Filter) ([]Instance, error)
	CreateInstances(ctx context.Context, req CreateRequest) ([]Instance, error)
	// WaitUntilRunning blocks until the instance is running with a public
	// address, or ctx is done.
	WaitUntilRunning(ctx context.Context, id string) (Instance, error)
	Terminate(ctx context.Context, id string) error
}

// ErrNotSupported is returned by backends that cannot perform an operation.
var ErrNotSupported = errors.New("operation not supported by provider")
