package agent

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// ErrNotFound is returned when an agent ID doesn't exist in the registry.
var ErrNotFound = fmt.Errorf("agent not found")

// Registry is the immutable persona catalog, loaded once at startup.
// List order follows the definition file, which also fixes the default
// speaking rotation for conversations.
type Registry struct {
	agents []*Agent
	byID   map[string]*Agent
}

// registryFile is the on-disk shape: an ordered array of persona definitions.
type registryFile struct {
	Agents []*Agent `json:"agents"`
}

// LoadRegistry reads and validates persona definitions from a JSON file.
// Malformed entries and duplicate ids are rejected at load time.
func LoadRegistry(path string, logger *zap.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file %s: %w", path, err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agents file %s: %w", path, err)
	}
	if len(file.Agents) == 0 {
		return nil, fmt.Errorf("agents file %s: no agents defined", path)
	}

	reg, err := NewRegistry(file.Agents)
	if err != nil {
		return nil, fmt.Errorf("agents file %s: %w", path, err)
	}

	logger.Info("agent registry loaded",
		zap.String("path", path),
		zap.Int("count", len(reg.agents)))
	return reg, nil
}

// NewRegistry builds a registry from in-memory definitions, validating each.
func NewRegistry(agents []*Agent) (*Registry, error) {
	byID := make(map[string]*Agent, len(agents))
	for _, a := range agents {
		if err := a.validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id: %s", a.ID)
		}
		byID[a.ID] = a
	}
	return &Registry{agents: agents, byID: byID}, nil
}

// List returns all agents in registration order.
func (r *Registry) List() []*Agent {
	out := make([]*Agent, len(r.agents))
	copy(out, r.agents)
	return out
}

// Get returns the agent with the given id, or ErrNotFound.
func (r *Registry) Get(id string) (*Agent, error) {
	a, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// Has reports whether an agent id exists.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}
