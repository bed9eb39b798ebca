package agent

import (
	"fmt"
	"log/slog"
	"sync"
)

// Catalog is the ordered set of agents a caller can pick from. Built-in
// agents come first, followed by config-defined agents in file order.
//
// Catalog is safe for concurrent use. [Catalog.Replace] swaps the whole set
// atomically, so a call that already looked up its agent is unaffected.
type Catalog struct {
	mu     sync.RWMutex
	order  []string
	agents map[string]Config
}

// NewCatalog returns a catalog of the built-in agents overlaid with defs.
func NewCatalog(defs ...Config) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(defs); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace rebuilds the catalog from the built-ins and defs. A def whose ID
// matches a built-in overrides its non-empty fields; any other def is added
// and must validate on its own. On error the catalog is left unchanged.
func (c *Catalog) Replace(defs []Config) error {
	order := make([]string, 0, 2+len(defs))
	agents := make(map[string]Config, 2+len(defs))
	for _, b := range Builtins() {
		order = append(order, b.ID)
		agents[b.ID] = b
	}

	for i, d := range defs {
		if base, ok := agents[d.ID]; ok {
			merged := base.merge(d)
			if err := merged.Validate(); err != nil {
				return fmt.Errorf("agent: override %d: %w", i, err)
			}
			agents[d.ID] = merged
			slog.Debug("agent: built-in overridden", "id", d.ID)
			continue
		}
		if err := d.Validate(); err != nil {
			return fmt.Errorf("agent: definition %d: %w", i, err)
		}
		d.Features = append([]string(nil), d.Features...)
		order = append(order, d.ID)
		agents[d.ID] = d
	}

	c.mu.Lock()
	c.order, c.agents = order, agents
	c.mu.Unlock()
	return nil
}

// Lookup returns a copy of the agent with the given ID.
func (c *Catalog) Lookup(id string) (Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[id]
	if ok {
		a.Features = append([]string(nil), a.Features...)
	}
	return a, ok
}

// List returns copies of all agents in display order.
func (c *Catalog) List() []Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Config, 0, len(c.order))
	for _, id := range c.order {
		a := c.agents[id]
		a.Features = append([]string(nil), a.Features...)
		out = append(out, a)
	}
	return out
}
