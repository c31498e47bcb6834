// Package skill loads skill contracts, selects relevant skills for a prompt,
// and enforces the tool access policy: deny-lists, allow-lists, budget caps,
// and parallel slot admission.
package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tiers order skills for tie-breaking: base < pack < project.
const (
	TierBase    = "base"
	TierPack    = "pack"
	TierProject = "project"
)

// ToolSet declares a contract's tool surface.
type ToolSet struct {
	Required []string `yaml:"required" json:"required,omitempty"`
	Optional []string `yaml:"optional" json:"optional,omitempty"`
	Denied   []string `yaml:"denied" json:"denied,omitempty"`
}

// Budget caps a skill's resource use.
type Budget struct {
	MaxToolCalls int `yaml:"max_tool_calls" json:"maxToolCalls,omitempty"`
	MaxTokens    int `yaml:"max_tokens" json:"maxTokens,omitempty"`
}

// Contract is one skill declaration.
type Contract struct {
	Name           string   `yaml:"name" json:"name"`
	Tier           string   `yaml:"tier" json:"tier"`
	Description    string   `yaml:"description" json:"description,omitempty"`
	Tags           []string `yaml:"tags" json:"tags,omitempty"`
	Tools          ToolSet  `yaml:"tools" json:"tools"`
	Budget         Budget   `yaml:"budget" json:"budget"`
	Outputs        []string `yaml:"outputs" json:"outputs,omitempty"`
	ComposableWith []string `yaml:"composable_with" json:"composableWith,omitempty"`
	Consumes       []string `yaml:"consumes" json:"consumes,omitempty"`
	MaxParallel    int      `yaml:"max_parallel" json:"maxParallel,omitempty"`
	Stability      string   `yaml:"stability" json:"stability,omitempty"`
	CostHint       string   `yaml:"cost_hint" json:"costHint,omitempty"`
}

// tierRank orders tiers for selection tie-breaks.
func tierRank(tier string) int {
	switch tier {
	case TierBase:
		return 0
	case TierPack:
		return 1
	case TierProject:
		return 2
	default:
		return 0
	}
}

// allowsTool reports whether the contract's allow-list covers a tool.
func (c *Contract) allowsTool(tool string) bool {
	for _, t := range c.Tools.Required {
		if t == tool {
			return true
		}
	}
	for _, t := range c.Tools.Optional {
		if t == tool {
			return true
		}
	}
	return false
}

// deniesTool reports whether the contract explicitly denies a tool.
func (c *Contract) deniesTool(tool string) bool {
	for _, t := range c.Tools.Denied {
		if t == tool {
			return true
		}
	}
	return false
}

// LoadContracts reads every *.yaml contract under <workspace>/.keel/skills.
// A missing directory yields an empty registry.
func LoadContracts(workspace string) ([]*Contract, error) {
	dir := filepath.Join(workspace, ".keel", "skills")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read skills dir: %w", err)
	}

	var contracts []*Contract
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read skill %s: %w", name, err)
		}
		var c Contract
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("failed to parse skill %s: %w", name, err)
		}
		if c.Name == "" {
			c.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		if c.Tier == "" {
			c.Tier = TierBase
		}
		contracts = append(contracts, &c)
	}
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].Name < contracts[j].Name })
	return contracts, nil
}
