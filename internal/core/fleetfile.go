package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/dsmctl/internal/clusterconf"
	"github.com/3cpo-dev/dsmctl/pkg/api"
)

// fleetDoc is the YAML/JSON node-list shape. Either Nodes is given
// explicitly, or Addresses is expanded with the first address as
// coordinator and ports counting up from BasePort.
type fleetDoc struct {
	Nodes     []api.Node `json:"nodes" yaml:"nodes"`
	Addresses []string   `json:"addresses" yaml:"addresses"`
	BasePort  int        `json:"base_port" yaml:"base_port"`
}

func (d fleetDoc) fleet(defaultBasePort int) (api.Fleet, error) {
	switch {
	case len(d.Nodes) > 0 && len(d.Addresses) > 0:
		return api.Fleet{}, fmt.Errorf("node list sets both nodes and addresses")
	case len(d.Addresses) > 0:
		base := d.BasePort
		if base == 0 {
			base = defaultBasePort
		}
		return clusterconf.FromEndpoints(d.Addresses, base), nil
	}
	return api.Fleet{Nodes: d.Nodes}, nil
}

// LoadFleet reads a node-list file. The format follows the extension:
// .yaml/.yml, .json/.jsonc (comments and trailing commas allowed) or .conf
// (the rendered cluster config itself). The result is validated.
func LoadFleet(path string, defaultBasePort int) (api.Fleet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.Fleet{}, fmt.Errorf("read node list: %w", err)
	}
	var fleet api.Fleet
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		var doc fleetDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return api.Fleet{}, fmt.Errorf("parse node list %s: %w", path, err)
		}
		if fleet, err = doc.fleet(defaultBasePort); err != nil {
			return api.Fleet{}, err
		}
	case ".json", ".jsonc":
		var doc fleetDoc
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return api.Fleet{}, fmt.Errorf("parse node list %s: %w", path, err)
		}
		if fleet, err = doc.fleet(defaultBasePort); err != nil {
			return api.Fleet{}, err
		}
	case ".conf":
		if fleet, err = clusterconf.Parse(data); err != nil {
			return api.Fleet{}, err
		}
	default:
		return api.Fleet{}, fmt.Errorf("node list %s: unsupported extension %q", path, ext)
	}
	if err := clusterconf.Validate(fleet); err != nil {
		return api.Fleet{}, err
	}
	return fleet, nil
}

// WriteFleet stores fleet as YAML, the format ensure --write-nodes emits.
func WriteFleet(path string, fleet api.Fleet) error {
	out, err := yaml.Marshal(fleet)
	if err != nil {
		return fmt.Errorf("encode node list: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write node list: %w", err)
	}
	return nil
}
