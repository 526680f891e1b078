// Package api holds the types shared by the CLI, the renderer and the runner.
package api

import (
	"fmt"
	"strings"
)

// Role is the part a node plays in the cluster.
type Role int

const (
	Worker Role = iota
	Coordinator
)

func (r Role) String() string {
	switch r {
	case Coordinator:
		return "coordinator"
	case Worker:
		return "worker"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole accepts the long names as well as the legacy "master" spelling
// and the rendered markers.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coordinator", "master", "*":
		return Coordinator, nil
	case "worker", "-":
		return Worker, nil
	}
	return Worker, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Node is one member of a fleet. Address is its identity; Port is the
// application port the remote program listens on, not the SSH port.
type Node struct {
	Role    Role   `json:"role" yaml:"role"`
	Address string `json:"address" yaml:"address"`
	Port    int    `json:"port" yaml:"port"`
}

func (n Node) IsCoordinator() bool { return n.Role == Coordinator }

// Fleet is an ordered node list. Order is significant: it is the order of
// the rendered configuration and of the run report.
type Fleet struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
}

func (f Fleet) Size() int { return len(f.Nodes) }

// Addresses returns node addresses in fleet order.
func (f Fleet) Addresses() []string {
	out := make([]string, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		out = append(out, n.Address)
	}
	return out
}

// StepKind names one stage of the remote workflow.
type StepKind string

const (
	StepFetch     StepKind = "fetch"
	StepClean     StepKind = "clean"
	StepConfigure StepKind = "configure"
	StepBuild     StepKind = "build"
	StepWorkload  StepKind = "workload"
	StepCollect   StepKind = "collect"
)

// NodeStatus is the overall outcome of one node in a pipeline run.
type NodeStatus string

const (
	NodeOk          NodeStatus = "ok"
	NodeDegraded    NodeStatus = "degraded"
	NodeUnreachable NodeStatus = "unreachable"
)

// StepSummary is the serializable form of a step result.
type StepSummary struct {
	Step        StepKind `json:"step"`
	ExitStatus  *int     `json:"exit_status,omitempty"`
	Error       string   `json:"error,omitempty"`
	Stdout      string   `json:"stdout"`
	Stderr      string   `json:"stderr"`
	DurationMS  int64    `json:"duration_ms"`
	StdoutBytes int      `json:"stdout_bytes"`
	StderrBytes int      `json:"stderr_bytes"`
}

// NodeSummary is the serializable form of one node's report entry.
type NodeSummary struct {
	Node   Node          `json:"node"`
	Status NodeStatus    `json:"status"`
	Error  string        `json:"error,omitempty"`
	Steps  []StepSummary `json:"steps"`
}

// RunSummary is the serializable form of a whole pipeline run.
type RunSummary struct {
	RunID       string        `json:"run_id"`
	Started     string        `json:"started"`
	Finished    string        `json:"finished"`
	Interrupted bool          `json:"interrupted"`
	Success     bool          `json:"success"`
	Nodes       []NodeSummary `json:"nodes"`
}
