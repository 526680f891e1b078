package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/3cpo-dev/dsmctl/pkg/api"
)

func TestLineWriterCapturesAndTruncates(t *testing.T) {
	var out bytes.Buffer
	w := newLineWriter(&sink{w: &out}, "[p] ", 8)
	w.Write([]byte("abc\ndef"))
	w.Write([]byte("ghij\n"))
	w.Flush()
	if out.String() != "[p] abc\n[p] defghij\n" {
		t.Fatalf("unexpected stream %q", out.String())
	}
	if w.total != 12 || !strings.HasPrefix(string(w.Captured()), "abc\ndefg") || !strings.Contains(string(w.Captured()), "truncated") {
		t.Fatalf("unexpected capture %q total=%d", w.Captured(), w.total)
	}
}

func TestLineWriterSplitsLongLines(t *testing.T) {
	var out bytes.Buffer
	w := newLineWriter(&sink{w: &out}, "[p] ", 16)
	chunk := bytes.Repeat([]byte("x"), 1000)
	for i := 0; i < 3*maxLine/len(chunk); i++ {
		w.Write(chunk)
		if len(w.pending) >= maxLine {
			t.Fatalf("pending grew to %d bytes", len(w.pending))
		}
	}
	w.Flush()
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, "[p] ") || len(l) > len("[p] ")+maxLine {
			t.Fatalf("bad line of %d bytes", len(l))
		}
	}
}

func TestStoppedNodeReportsWhy(t *testing.T) {
	zero := 0
	r := &Report{
		RunID:       "run-2",
		Interrupted: true,
		Nodes: []NodeReport{
			{Node: api.Node{Role: api.Coordinator, Address: "h0", Port: 8000}, Status: api.NodeDegraded,
				Steps:   []StepResult{{Step: api.StepFetch, ExitStatus: &zero}},
				Stopped: errors.New("interrupted after 1 of 4 steps: context canceled")},
		},
	}
	if got := r.Summary().Nodes[0].Error; !strings.Contains(got, "1 of 4") {
		t.Fatalf("summary error %q", got)
	}
	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		t.Fatalf("text: %v", err)
	}
	if !strings.Contains(buf.String(), "interrupted after 1 of 4 steps") {
		t.Fatalf("text report misses the stop reason:\n%s", buf.String())
	}
}

func TestReportRendering(t *testing.T) {
	zero, two := 0, 2
	r := &Report{
		RunID: "run-1",
		Nodes: []NodeReport{
			{Node: api.Node{Role: api.Coordinator, Address: "h0", Port: 8000}, Status: api.NodeOk,
				Steps: []StepResult{{Step: api.StepFetch, ExitStatus: &zero, Stdout: []byte("up to date")}}},
			{Node: api.Node{Role: api.Worker, Address: "h1", Port: 8001}, Status: api.NodeDegraded,
				Steps: []StepResult{{Node: api.Node{Address: "h1"}, Step: api.StepBuild, ExitStatus: &two}}},
			{Node: api.Node{Role: api.Worker, Address: "h2", Port: 8002}, Status: api.NodeUnreachable,
				ConnectErr: errors.New("connection refused")},
		},
	}
	if r.Success() {
		t.Fatalf("degraded run cannot succeed")
	}

	var text bytes.Buffer
	if err := r.WriteText(&text); err != nil {
		t.Fatalf("text: %v", err)
	}
	for _, want := range []string{"h0:8000", "exit 2", "connection refused", "1 ok, 1 degraded, 1 unreachable"} {
		if !strings.Contains(text.String(), want) {
			t.Fatalf("text report missing %q:\n%s", want, text.String())
		}
	}

	var js bytes.Buffer
	if err := r.WriteJSON(&js); err != nil {
		t.Fatalf("json: %v", err)
	}
	var got api.RunSummary
	if err := json.Unmarshal(js.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Success || len(got.Nodes) != 3 || got.Nodes[1].Error != "h1 build: exit status 2" {
		t.Fatalf("unexpected summary: %+v", got)
	}
	if got.Nodes[0].Node.Role != api.Coordinator || got.Nodes[0].Steps[0].Stdout != "up to date" {
		t.Fatalf("unexpected node summary: %+v", got.Nodes[0])
	}
}
