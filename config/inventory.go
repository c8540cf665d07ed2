package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/oar-cd/hoist/domain"
)

// Inventory is the parsed targets.yaml file.
type Inventory struct {
	Servers []domain.Target      `yaml:"servers"`
	Groups  []domain.ServerGroup `yaml:"groups"`
	Repos   []domain.Repo        `yaml:"repos"`

	byName map[string]domain.Target
}

// LoadInventory reads and validates an inventory file. A missing file
// yields an empty inventory; local targets can still be addressed.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		inv := &Inventory{}
		return inv, inv.index()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read inventory: %w", domain.ErrConfig, err)
	}
	return ParseInventory(data)
}

// ParseInventory decodes and validates inventory YAML.
func ParseInventory(data []byte) (*Inventory, error) {
	inv := &Inventory{}
	if err := yaml.Unmarshal(data, inv); err != nil {
		return nil, fmt.Errorf("%w: parse inventory: %w", domain.ErrConfig, err)
	}
	if err := inv.index(); err != nil {
		return nil, err
	}
	return inv, nil
}

func (inv *Inventory) index() error {
	inv.byName = make(map[string]domain.Target, len(inv.Servers))
	for _, t := range inv.Servers {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := inv.byName[t.Name]; dup {
			return fmt.Errorf("%w: duplicate server %q", domain.ErrConfig, t.Name)
		}
		inv.byName[t.Name] = t
	}
	groups := make(map[string]bool, len(inv.Groups))
	for _, g := range inv.Groups {
		if err := g.Validate(inv.byName); err != nil {
			return err
		}
		if _, clash := inv.byName[g.Name]; clash || groups[g.Name] {
			return fmt.Errorf("%w: group name %q is already in use", domain.ErrConfig, g.Name)
		}
		groups[g.Name] = true
	}
	repos := make(map[string]bool, len(inv.Repos))
	for _, r := range inv.Repos {
		if r.Name == "" || r.URL == "" {
			return fmt.Errorf("%w: repo entries need name and url", domain.ErrConfig)
		}
		if repos[r.Name] {
			return fmt.Errorf("%w: duplicate repo %q", domain.ErrConfig, r.Name)
		}
		repos[r.Name] = true
		if r.Target == "" {
			return fmt.Errorf("%w: repo %q has no target", domain.ErrConfig, r.Name)
		}
		if !inv.known(r.Target) {
			return fmt.Errorf("%w: repo %q targets unknown server or group %q",
				domain.ErrConfig, r.Name, r.Target)
		}
	}
	return nil
}

func (inv *Inventory) known(name string) bool {
	if _, ok := inv.byName[name]; ok {
		return true
	}
	return slices.ContainsFunc(inv.Groups, func(g domain.ServerGroup) bool { return g.Name == name })
}

// Target returns a single server by name. "localhost" resolves to the
// local machine even when not listed.
func (inv *Inventory) Target(name string) (domain.Target, error) {
	if t, ok := inv.byName[name]; ok {
		return t, nil
	}
	if name == "localhost" || name == "local" {
		return domain.Target{Name: name, Host: "localhost"}, nil
	}
	return domain.Target{}, fmt.Errorf("%w: unknown server %q", domain.ErrConfig, name)
}

// Resolve turns a server or group name into a group. A single server
// becomes a group of one.
func (inv *Inventory) Resolve(name string) (domain.ServerGroup, []domain.Target, error) {
	for _, g := range inv.Groups {
		if g.Name != name {
			continue
		}
		targets := make([]domain.Target, 0, len(g.Servers))
		for _, s := range g.Servers {
			targets = append(targets, inv.byName[s])
		}
		return g, targets, nil
	}
	t, err := inv.Target(name)
	if err != nil {
		return domain.ServerGroup{}, nil, fmt.Errorf("%w: unknown server or group %q", domain.ErrConfig, name)
	}
	return domain.ServerGroup{Name: name, Servers: []string{name}}, []domain.Target{t}, nil
}

// Repo looks up an allow-listed repository by name.
func (inv *Inventory) Repo(name string) (domain.Repo, bool) {
	for _, r := range inv.Repos {
		if r.Name == name {
			return r, true
		}
	}
	return domain.Repo{}, false
}
