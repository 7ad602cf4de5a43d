package persona

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/antoniostano/livecall/internal/session"
	"gopkg.in/yaml.v3"
)

type Role string

const (
	RoleCompanion Role = "companion"
	RoleTutor     Role = "tutor"
)

// Activity is a structured exercise a tutor persona can start mid-call.
type Activity struct {
	ID          string         `json:"id" yaml:"id"`
	Title       string         `json:"title" yaml:"title"`
	Instruction string         `json:"instruction" yaml:"instruction"`
	Kinds       []session.Kind `json:"kinds,omitempty" yaml:"kinds"`
}

// Persona is everything the engine needs to place a call: voice settings,
// the opening line and prompt material.
type Persona struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	Role       Role       `json:"role" yaml:"role"`
	Voice      string     `json:"voice" yaml:"voice"`
	Language   string     `json:"language" yaml:"language"`
	Greeting   string     `json:"greeting,omitempty" yaml:"greeting"`
	Style      string     `json:"style,omitempty" yaml:"style"`
	Activities []Activity `json:"activities,omitempty" yaml:"activities"`
}

var ErrNotFound = errors.New("persona not found")

func (p Persona) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("persona id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("persona %q: name is required", p.ID)
	}
	switch p.Role {
	case RoleCompanion, RoleTutor:
	default:
		return fmt.Errorf("persona %q: unknown role %q", p.ID, p.Role)
	}
	for _, a := range p.Activities {
		if strings.TrimSpace(a.Instruction) == "" {
			return fmt.Errorf("persona %q: activity %q has no instruction", p.ID, a.ID)
		}
		for _, k := range a.Kinds {
			if !k.Valid() {
				return fmt.Errorf("persona %q: activity %q has unknown kind %q", p.ID, a.ID, k)
			}
		}
	}
	return nil
}

// ActivitiesFor returns the activities usable in a session of kind. An
// activity without kinds fits every session.
func (p Persona) ActivitiesFor(kind session.Kind) []Activity {
	var out []Activity
	for _, a := range p.Activities {
		if len(a.Kinds) == 0 {
			out = append(out, a)
			continue
		}
		for _, k := range a.Kinds {
			if k == kind {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

type Catalog struct {
	byID map[string]Persona
}

type catalogFile struct {
	Personas []Persona `yaml:"personas"`
}

//go:embed default.yaml
var defaultCatalog []byte

// Default returns the catalog shipped with the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog file, or the shipped catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse persona catalog: %w", err)
	}
	if len(file.Personas) == 0 {
		return nil, errors.New("persona catalog is empty")
	}
	c := &Catalog{byID: make(map[string]Persona, len(file.Personas))}
	for _, p := range file.Personas {
		if p.Role == "" {
			p.Role = RoleCompanion
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate persona id %q", p.ID)
		}
		c.byID[p.ID] = p
	}
	return c, nil
}

func (c *Catalog) Get(id string) (Persona, error) {
	p, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// List returns personas sorted by id.
func (c *Catalog) List() []Persona {
	out := make([]Persona, 0, len(c.byID))
	for _, p := range c.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
