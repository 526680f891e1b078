package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/3cpo-dev/dsmctl/pkg/api"
)

// RemoteExecError is a step that failed on one node: a non-zero exit
// status, or no status at all when Err is set.
type RemoteExecError struct {
	Node       string
	Step       api.StepKind
	ExitStatus *int
	Err        error
}

func (e *RemoteExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Node, e.Step, e.Err)
	}
	return fmt.Sprintf("%s %s: exit status %d", e.Node, e.Step, *e.ExitStatus)
}

func (e *RemoteExecError) Unwrap() error { return e.Err }

// StepResult is the outcome of one step on one node.
type StepResult struct {
	Node        api.Node
	Step        api.StepKind
	Stdout      []byte
	Stderr      []byte
	StdoutBytes int
	StderrBytes int
	ExitStatus  *int
	Err         error
	Started     time.Time
	Duration    time.Duration
}

func (s StepResult) Failed() bool {
	return s.Err != nil || s.ExitStatus == nil || *s.ExitStatus != 0
}

// Error returns the step failure as a *RemoteExecError, nil on success.
func (s StepResult) Error() error {
	if !s.Failed() {
		return nil
	}
	return &RemoteExecError{Node: s.Node.Address, Step: s.Step, ExitStatus: s.ExitStatus, Err: s.Err}
}

// NodeReport is one node's entry in the run report. Stopped is set when
// the node was interrupted before running every step.
type NodeReport struct {
	Node       api.Node
	Status     api.NodeStatus
	ConnectErr error
	Steps      []StepResult
	Stopped    error
}

// Err returns the connect error, the first failed step, or why the node
// stopped early.
func (n NodeReport) Err() error {
	if n.ConnectErr != nil {
		return n.ConnectErr
	}
	for _, s := range n.Steps {
		if err := s.Error(); err != nil {
			return err
		}
	}
	return n.Stopped
}

// Report is the outcome of a run, nodes in fleet order.
type Report struct {
	RunID       string
	Started     time.Time
	Finished    time.Time
	Interrupted bool
	Nodes       []NodeReport
}

// Success is true only when the run was not interrupted and every node
// completed every step with exit status 0.
func (r *Report) Success() bool {
	if r.Interrupted {
		return false
	}
	for _, n := range r.Nodes {
		if n.Status != api.NodeOk {
			return false
		}
	}
	return true
}

// Counts returns the number of nodes per status.
func (r *Report) Counts() map[api.NodeStatus]int {
	out := map[api.NodeStatus]int{}
	for _, n := range r.Nodes {
		out[n.Status]++
	}
	return out
}

// Summary converts the report to its serializable form.
func (r *Report) Summary() api.RunSummary {
	s := api.RunSummary{
		RunID:       r.RunID,
		Started:     r.Started.UTC().Format(time.RFC3339),
		Finished:    r.Finished.UTC().Format(time.RFC3339),
		Interrupted: r.Interrupted,
		Success:     r.Success(),
		Nodes:       make([]api.NodeSummary, 0, len(r.Nodes)),
	}
	for _, n := range r.Nodes {
		ns := api.NodeSummary{Node: n.Node, Status: n.Status, Steps: make([]api.StepSummary, 0, len(n.Steps))}
		if err := n.Err(); err != nil {
			ns.Error = err.Error()
		}
		for _, st := range n.Steps {
			ss := api.StepSummary{
				Step:        st.Step,
				ExitStatus:  st.ExitStatus,
				Stdout:      string(st.Stdout),
				Stderr:      string(st.Stderr),
				DurationMS:  st.Duration.Milliseconds(),
				StdoutBytes: st.StdoutBytes,
				StderrBytes: st.StderrBytes,
			}
			if st.Err != nil {
				ss.Error = st.Err.Error()
			}
			ns.Steps = append(ns.Steps, ss)
		}
		s.Nodes = append(s.Nodes, ns)
	}
	return s
}

// WriteJSON writes the summary as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.Summary())
}

var (
	okColor       = color.New(color.FgGreen, color.Bold)
	degradedColor = color.New(color.FgYellow, color.Bold)
	downColor     = color.New(color.FgRed, color.Bold)
)

func statusText(s api.NodeStatus) string {
	label := fmt.Sprintf("%-11s", s)
	switch s {
	case api.NodeOk:
		return okColor.Sprint(label)
	case api.NodeDegraded:
		return degradedColor.Sprint(label)
	}
	return downColor.Sprint(label)
}

// WriteText writes a human-readable table of nodes and steps.
func (r *Report) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "run %s: %d nodes in %s\n", r.RunID, len(r.Nodes), r.Finished.Sub(r.Started).Round(time.Millisecond)); err != nil {
		return err
	}
	for _, n := range r.Nodes {
		fmt.Fprintf(w, "%s %-11s %s:%d\n", statusText(n.Status), n.Node.Role, n.Node.Address, n.Node.Port)
		if n.ConnectErr != nil {
			fmt.Fprintf(w, "    connect: %v\n", n.ConnectErr)
			continue
		}
		for _, s := range n.Steps {
			outcome := "ok"
			switch {
			case s.Err != nil:
				outcome = "error: " + s.Err.Error()
			case s.ExitStatus != nil && *s.ExitStatus != 0:
				outcome = fmt.Sprintf("exit %d", *s.ExitStatus)
			}
			fmt.Fprintf(w, "    %-9s %-8s %s out, %s err  %s\n", s.Step, s.Duration.Round(time.Millisecond),
				humanize.Bytes(uint64(s.StdoutBytes)), humanize.Bytes(uint64(s.StderrBytes)), outcome)
		}
		if n.Stopped != nil {
			fmt.Fprintf(w, "    %v\n", n.Stopped)
		}
	}
	counts := r.Counts()
	verdict := okColor.Sprint("SUCCESS")
	if !r.Success() {
		verdict = downColor.Sprint("FAILED")
	}
	if r.Interrupted {
		verdict += " (interrupted)"
	}
	_, err := fmt.Fprintf(w, "%s: %d ok, %d degraded, %d unreachable\n", verdict,
		counts[api.NodeOk], counts[api.NodeDegraded], counts[api.NodeUnreachable])
	return err
}
