package pipeline

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/3cpo-dev/dsmctl/pkg/api"
)

// Step is one stage of the per-node workflow. Exec steps run Command in a
// remote shell inside Dir; configure uploads the node's cluster config to
// Path; collect downloads Path into LocalDir/<address>/.
//
// A Together step, and every step after it, starts on all reachable nodes
// at once regardless of Runner.Concurrency: the workload joins a
// fleet-wide barrier and cannot make progress one node at a time.
type Step struct {
	Kind     api.StepKind
	Dir      string
	Command  string
	Path     string
	LocalDir string
	Together bool
}

// RemoteCommand is the shell line sent for an exec step.
func (s Step) RemoteCommand(vars map[string]string) string {
	return inDir(s.Dir, Expand(s.Command, vars))
}

// Layout describes where the project lives on each node and what to run.
type Layout struct {
	Workdir    string
	ConfigFile string
	Fetch      string
	Clean      string
	Build      string

	Workload        bool
	WorkloadCommand string
	ResultsFile     string
	ResultsDir      string
}

// ConfigPath is the remote location of the rendered cluster config.
func (l Layout) ConfigPath() string { return path.Join(l.Workdir, l.ConfigFile) }

// Steps returns fetch, clean, configure and build, followed by workload and
// collect when the workload is enabled. Commands run inside Workdir.
func (l Layout) Steps() []Step {
	steps := []Step{
		{Kind: api.StepFetch, Dir: l.Workdir, Command: l.Fetch},
		{Kind: api.StepClean, Dir: l.Workdir, Command: l.Clean},
		{Kind: api.StepConfigure, Path: l.ConfigPath()},
		{Kind: api.StepBuild, Dir: l.Workdir, Command: l.Build},
	}
	if l.Workload {
		steps = append(steps, Step{Kind: api.StepWorkload, Dir: l.Workdir, Command: l.WorkloadCommand, Together: true})
		if l.ResultsFile != "" {
			steps = append(steps, Step{Kind: api.StepCollect, Path: path.Join(l.Workdir, l.ResultsFile), LocalDir: l.ResultsDir})
		}
	}
	return steps
}

func inDir(dir, command string) string {
	if dir == "" || dir == "." {
		return command
	}
	return "cd " + shellQuote(dir) + " && " + command
}

// shellQuote quotes s for a POSIX shell unless it is plainly safe.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == '~' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// variablePattern matches ${NAME}. Names outside NodeVariables, and bare
// $NAME, are left to the remote shell.
var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// NodeVariables are the per-node values available to commands.
func NodeVariables(node api.Node, fleetSize int, configPath string) map[string]string {
	isCoord := "0"
	if node.IsCoordinator() {
		isCoord = "1"
	}
	return map[string]string{
		"IS_COORDINATOR": isCoord,
		"ROLE":           node.Role.String(),
		"ADDRESS":        node.Address,
		"PORT":           strconv.Itoa(node.Port),
		"FLEET_SIZE":     strconv.Itoa(fleetSize),
		"CONFIG_PATH":    configPath,
	}
}

// Expand replaces ${NAME} references to node variables with their values.
func Expand(input string, vars map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		if v, ok := vars[match[2:len(match)-1]]; ok {
			return v
		}
		return match
	})
}

// ValidateSteps checks that exec steps have a command of their own and
// that file steps have a path.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("no steps")
	}
	for _, s := range steps {
		switch s.Kind {
		case api.StepConfigure, api.StepCollect:
			if s.Path == "" {
				return fmt.Errorf("step %s: empty path", s.Kind)
			}
		default:
			if strings.TrimSpace(s.Command) == "" {
				return fmt.Errorf("step %s: empty command", s.Kind)
			}
		}
	}
	return nil
}
