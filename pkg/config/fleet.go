package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Node is one fleet member.
type Node struct {
	Name     string `yaml:"name"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// Inventory is the on-disk node list.
type Inventory struct {
	Nodes []Node `yaml:"nodes"`
}

// Fleet is the single explicit configuration handed to the orchestrator.
type Fleet struct {
	Nodes        []Node
	SSHUser      string
	SSHOptions   []string
	RemoteBinary string
	Watchdog     Watchdog
}

// LoadInventory reads a YAML inventory such as:
//
//	nodes:
//	  - name: bnode1
//	  - name: bnode2
//	    disabled: true
func LoadInventory(path string) ([]Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading inventory: %v", ErrInvalid, err)
	}
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("%w: parsing inventory %s: %v", ErrInvalid, path, err)
	}
	for i, n := range inv.Nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("%w: inventory %s: node %d has no name", ErrInvalid, path, i)
		}
	}
	return inv.Nodes, nil
}

// Enabled returns the nodes to launch on, first occurrence wins for duplicates.
func (f Fleet) Enabled() []Node {
	seen := make(map[string]struct{}, len(f.Nodes))
	var out []Node
	for _, n := range f.Nodes {
		if n.Disabled {
			continue
		}
		if _, dup := seen[n.Name]; dup {
			continue
		}
		seen[n.Name] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Validate requires at least one enabled node and a remote binary.
func (f *Fleet) Validate() error {
	if len(f.Enabled()) == 0 {
		return fmt.Errorf("%w: no enabled nodes (use --nodes or --inventory)", ErrInvalid)
	}
	if f.RemoteBinary == "" {
		return fmt.Errorf("%w: --remote-binary must not be empty", ErrInvalid)
	}
	return nil
}
