// ABOUTME: Catalog of voice agents that sessions can be started for
// ABOUTME: Built-in defaults plus optional TOML catalog files with ${ENV} expansion

package agents

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrUnknownAgent is returned for agent keys that are not in the catalog.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent is one configured engine agent.
type Agent struct {
	Key     string `json:"key" toml:"key" yaml:"key"`
	AgentID string `json:"agent_id" toml:"agent_id" yaml:"agent_id"`
	Name    string `json:"name" toml:"name" yaml:"name"`
	Role    string `json:"role" toml:"role" yaml:"role"`
}

// Defaults returns the built-in agents.
func Defaults() []Agent {
	return []Agent{
		{Key: "clara", AgentID: "agent_01jz0h1rqperc8z03gsvkprmsw", Name: "Clara", Role: "Patient Intake Coordinator"},
		{Key: "marcus", AgentID: "agent_01jz2jh0cdekqv8j35hqpw9wbb", Name: "Marcus", Role: "Authorization Coordinator"},
		{Key: "sarah", AgentID: "agent_01jz2n3j1dfnrbj2vpdpghkbm3", Name: "Sarah", Role: "Patient Educator"},
		{Key: "david", AgentID: "agent_01k0rvs4awfsn8vj6n4awffc2f", Name: "David", Role: "Extended Stay Authorization Coordinator"},
	}
}

// Catalog is an immutable set of agents keyed by Agent.Key.
type Catalog struct {
	byKey map[string]Agent
	byID  map[string]Agent
}

// New builds a catalog, rejecting empty or duplicate keys.
func New(list []Agent) (*Catalog, error) {
	c := &Catalog{
		byKey: make(map[string]Agent, len(list)),
		byID:  make(map[string]Agent, len(list)),
	}
	for _, a := range list {
		if err := a.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byKey[a.Key]; dup {
			return nil, fmt.Errorf("duplicate agent key %q", a.Key)
		}
		c.byKey[a.Key] = a
		c.byID[a.AgentID] = a
	}
	return c, nil
}

func (a Agent) validate() error {
	if a.Key == "" {
		return fmt.Errorf("agent key is required")
	}
	if a.AgentID == "" {
		return fmt.Errorf("agent %q: agent_id is required", a.Key)
	}
	if a.Name == "" {
		return fmt.Errorf("agent %q: name is required", a.Key)
	}
	return nil
}

// Get returns the agent for key.
func (c *Catalog) Get(key string) (Agent, error) {
	a, ok := c.byKey[key]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %q", ErrUnknownAgent, key)
	}
	return a, nil
}

// ByAgentID returns the agent configured with the given engine agent id.
func (c *Catalog) ByAgentID(agentID string) (Agent, bool) {
	a, ok := c.byID[agentID]
	return a, ok
}

// List returns every agent sorted by key.
func (c *Catalog) List() []Agent {
	out := make([]Agent, 0, len(c.byKey))
	for _, a := range c.byKey {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of agents.
func (c *Catalog) Len() int { return len(c.byKey) }

// catalogFile is the TOML layout:
//
//	[[agent]]
//	key = "clara"
//	agent_id = "${CLARA_AGENT_ID}"
//	name = "Clara"
//	role = "Patient Intake Coordinator"
type catalogFile struct {
	Agents []Agent `toml:"agent"`
}

// LoadFile reads agents from a TOML catalog, expanding ${VAR} references.
func LoadFile(path string) ([]Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent catalog: %w", err)
	}

	var f catalogFile
	if _, err := toml.Decode(expandEnvVars(string(data)), &f); err != nil {
		return nil, fmt.Errorf("parsing agent catalog: %w", err)
	}
	if len(f.Agents) == 0 {
		return nil, fmt.Errorf("agent catalog %s defines no agents", path)
	}
	return f.Agents, nil
}

// Merge overlays extra onto base by key; extra wins on conflicts.
func Merge(base, extra []Agent) []Agent {
	index := make(map[string]int, len(base))
	out := append([]Agent(nil), base...)
	for i, a := range out {
		index[a.Key] = i
	}
	for _, a := range extra {
		if i, ok := index[a.Key]; ok {
			out[i] = a
			continue
		}
		index[a.Key] = len(out)
		out = append(out, a)
	}
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})
}
