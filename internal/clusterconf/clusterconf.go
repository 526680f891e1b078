package clusterconf

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/3cpo-dev/dsmctl/pkg/api"
)

// Markers used in the rendered document. The remote program finds the
// coordinator by the marker and identifies itself by address.
const (
	CoordinatorMarker = "*"
	WorkerMarker      = "-"
)

// ConfigError reports a fleet that cannot be rendered.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "cluster config: " + e.Reason
}

func configErrorf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the membership invariants: at least one node, unique
// non-empty addresses, valid ports and exactly one coordinator.
func Validate(fleet api.Fleet) error {
	if len(fleet.Nodes) == 0 {
		return configErrorf("fleet is empty")
	}
	seen := make(map[string]int, len(fleet.Nodes))
	coordinators := 0
	for i, n := range fleet.Nodes {
		if n.Address == "" {
			return configErrorf("node %d: empty address", i)
		}
		if strings.ContainsAny(n.Address, " \t\r\n") {
			return configErrorf("node %d: address %q contains whitespace", i, n.Address)
		}
		if prev, ok := seen[n.Address]; ok {
			return configErrorf("node %d: duplicate address %s (also node %d)", i, n.Address, prev)
		}
		seen[n.Address] = i
		if n.Port < 1 || n.Port > 65535 {
			return configErrorf("node %s: port %d out of range", n.Address, n.Port)
		}
		if n.Role == api.Coordinator {
			coordinators++
		}
	}
	if coordinators != 1 {
		return configErrorf("expected exactly one coordinator, found %d", coordinators)
	}
	return nil
}

// Render produces the membership document: the fleet size on the first line,
// then one "<marker> <address> <port>" line per node in fleet order. Lines
// are joined with "\n" and there is no trailing newline.
func Render(fleet api.Fleet) ([]byte, error) {
	if err := Validate(fleet); err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(fleet.Nodes)+1)
	lines = append(lines, strconv.Itoa(len(fleet.Nodes)))
	for _, n := range fleet.Nodes {
		marker := WorkerMarker
		if n.Role == api.Coordinator {
			marker = CoordinatorMarker
		}
		lines = append(lines, marker+" "+n.Address+" "+strconv.Itoa(n.Port))
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// RenderConfigs returns the document for every node keyed by address. All
// nodes receive the same bytes; each entry is its own copy.
func RenderConfigs(fleet api.Fleet) (map[string][]byte, error) {
	doc, err := Render(fleet)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(fleet.Nodes))
	for _, n := range fleet.Nodes {
		out[n.Address] = bytes.Clone(doc)
	}
	return out, nil
}

// Parse reads a rendered document back into a fleet and validates it.
// Blank lines and surrounding whitespace are tolerated.
func Parse(data []byte) (api.Fleet, error) {
	var fleet api.Fleet
	sc := bufio.NewScanner(bytes.NewReader(data))
	size := -1
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if size < 0 {
			n, err := strconv.Atoi(line)
			if err != nil || n < 0 {
				return fleet, configErrorf("line %d: invalid fleet size %q", lineNo, line)
			}
			size = n
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return fleet, configErrorf("line %d: want \"<marker> <address> <port>\", got %q", lineNo, line)
		}
		var role api.Role
		switch fields[0] {
		case CoordinatorMarker:
			role = api.Coordinator
		case WorkerMarker:
			role = api.Worker
		default:
			return fleet, configErrorf("line %d: unknown marker %q", lineNo, fields[0])
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return fleet, configErrorf("line %d: invalid port %q", lineNo, fields[2])
		}
		fleet.Nodes = append(fleet.Nodes, api.Node{Role: role, Address: fields[1], Port: port})
	}
	if err := sc.Err(); err != nil {
		return fleet, fmt.Errorf("read cluster config: %w", err)
	}
	if size < 0 {
		return fleet, configErrorf("missing fleet size")
	}
	if size != len(fleet.Nodes) {
		return fleet, configErrorf("fleet size %d does not match %d node lines", size, len(fleet.Nodes))
	}
	if err := Validate(fleet); err != nil {
		return fleet, err
	}
	return fleet, nil
}

// FromEndpoints builds a fleet from provisioned addresses. The first address
// becomes the coordinator and ports are assigned basePort, basePort+1, ...
func FromEndpoints(addresses []string, basePort int) api.Fleet {
	fleet := api.Fleet{Nodes: make([]api.Node, 0, len(addresses))}
	for i, addr := range addresses {
		role := api.Worker
		if i == 0 {
			role = api.Coordinator
		}
		fleet.Nodes = append(fleet.Nodes, api.Node{Role: role, Address: addr, Port: basePort + i})
	}
	return fleet
}
