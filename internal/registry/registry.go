// Package registry holds the table of locally hosted agent identities.
//
// Agents are defined in agents.yaml and loaded once at startup; the
// registry is immutable for the process lifetime and freely shared
// across goroutines.
package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentSpec defines a single hosted agent (from agents.yaml).
type AgentSpec struct {
	ID      string   `yaml:"id" json:"id"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	// Patterns are mention patterns for this agent. Plain entries are
	// case-insensitive substrings; entries prefixed with "re:" are
	// compiled as regular expressions. When empty, the id and aliases
	// are used as substring patterns.
	Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	// Session is the opaque handle passed to the injector for this
	// agent (e.g. a tmux session or CLI session id). May be empty.
	Session string `yaml:"session,omitempty" json:"session,omitempty"`
}

// MentionPatterns returns the effective pattern list for this agent:
// explicit Patterns when set, otherwise id plus aliases as substrings.
func (s AgentSpec) MentionPatterns() []string {
	if len(s.Patterns) > 0 {
		return s.Patterns
	}
	patterns := make([]string, 0, len(s.Aliases)+1)
	patterns = append(patterns, s.ID)
	patterns = append(patterns, s.Aliases...)
	return patterns
}

// agentsFile is the top-level structure of agents.yaml.
type agentsFile struct {
	Agents []AgentSpec `yaml:"agents"`
}

// LoadAgentSpecs reads and parses an agents.yaml file.
// A missing file is not an error; it yields an empty spec list.
func LoadAgentSpecs(path string) ([]AgentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agents.yaml: %w", err)
	}

	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents.yaml: %w", err)
	}
	return f.Agents, nil
}

// Registry maps canonical agent ids to their specs. Built once, never
// mutated afterwards.
type Registry struct {
	agents map[string]AgentSpec
	order  []string
}

// New builds a registry from specs. Ids are canonicalized to lowercase;
// a duplicate id is an error.
func New(specs []AgentSpec) (*Registry, error) {
	r := &Registry{agents: make(map[string]AgentSpec, len(specs))}
	for _, spec := range specs {
		id := strings.ToLower(strings.TrimSpace(spec.ID))
		if id == "" {
			return nil, fmt.Errorf("agent spec with empty id")
		}
		if _, dup := r.agents[id]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", id)
		}
		spec.ID = id
		r.agents[id] = spec
		r.order = append(r.order, id)
	}
	sort.Strings(r.order)
	return r, nil
}

// Get returns the spec for an id, or false if not hosted here.
func (r *Registry) Get(id string) (AgentSpec, bool) {
	spec, ok := r.agents[strings.ToLower(id)]
	return spec, ok
}

// Contains checks whether an agent id is registered.
func (r *Registry) Contains(id string) bool {
	_, ok := r.agents[strings.ToLower(id)]
	return ok
}

// Resolve maps a claimed sender name to a hosted agent id by exact id
// or alias match (case-insensitive). Returns "" when the name is not a
// locally hosted identity.
func (r *Registry) Resolve(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	if _, ok := r.agents[name]; ok {
		return name
	}
	for _, id := range r.order {
		for _, alias := range r.agents[id].Aliases {
			if strings.ToLower(alias) == name {
				return id
			}
		}
	}
	return ""
}

// Entries returns all specs in stable id order.
func (r *Registry) Entries() []AgentSpec {
	out := make([]AgentSpec, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// AgentIDs returns all registered agent ids in stable order.
func (r *Registry) AgentIDs() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.agents)
}
