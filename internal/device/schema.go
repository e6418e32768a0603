package device

import (
	"fmt"
	"sort"
	"sync"
)

// PropertySpec declares one property of a device type.
type PropertySpec struct {
	Name string
	Kind Kind
	// Length is the element count of KindArray properties.
	Length   int
	Optional bool
}

// Schema is the ordered property layout of one device type. Declaration
// order matters: the rank codec lays fields out in exactly this order.
type Schema struct {
	Name       string
	Properties []PropertySpec
	index      map[string]int
}

// NewSchema validates and indexes a device type declaration.
func NewSchema(name string, props ...PropertySpec) (*Schema, error) {
	if name == "" {
		return nil, fmt.Errorf("device type has empty name")
	}
	s := &Schema{Name: name, Properties: make([]PropertySpec, len(props)), index: make(map[string]int, len(props))}
	for i, p := range props {
		if p.Name == "" {
			return nil, fmt.Errorf("device type %q: property %d has empty name", name, i)
		}
		if p.Name == "type" || p.Name == "engine" {
			return nil, fmt.Errorf("device type %q: property name %q is reserved", name, p.Name)
		}
		if _, dup := s.index[p.Name]; dup {
			return nil, fmt.Errorf("device type %q: duplicate property %q", name, p.Name)
		}
		if p.Kind == KindInvalid || p.Kind > KindOpaque {
			return nil, fmt.Errorf("device type %q: property %q has invalid kind", name, p.Name)
		}
		if p.Kind == KindArray && p.Length <= 0 {
			return nil, fmt.Errorf("device type %q: array property %q needs a positive length", name, p.Name)
		}
		s.Properties[i] = p
		s.index[p.Name] = i
	}
	return s, nil
}

// MustSchema is NewSchema for static declarations.
func MustSchema(name string, props ...PropertySpec) *Schema {
	s, err := NewSchema(name, props...)
	if err != nil {
		panic(err)
	}
	return s
}

// Lookup returns the position and declaration of a property.
func (s *Schema) Lookup(name string) (int, PropertySpec, bool) {
	i, ok := s.index[name]
	if !ok {
		return -1, PropertySpec{}, false
	}
	return i, s.Properties[i], true
}

// VariableFields counts the properties whose size travels in a length header.
func (s *Schema) VariableFields() int {
	n := 0
	for _, p := range s.Properties {
		if p.Kind.VariableLength() {
			n++
		}
	}
	return n
}

// FixedSize is the number of payload bytes taken by fixed-size properties.
func (s *Schema) FixedSize() int {
	n := 0
	for _, p := range s.Properties {
		switch p.Kind {
		case KindInt, KindFloat:
			n += 8
		case KindArray:
			n += 8 * p.Length
		}
	}
	return n
}

// Equal reports whether two schemas declare the same layout.
func (s *Schema) Equal(o *Schema) bool {
	if s.Name != o.Name || len(s.Properties) != len(o.Properties) {
		return false
	}
	for i := range s.Properties {
		if s.Properties[i] != o.Properties[i] {
			return false
		}
	}
	return true
}

// Catalog is the set of device types known to a simulation run. It is
// shared by every codec so all transports agree on property order.
type Catalog struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewCatalog returns a catalog holding the built-in device types plus any
// extra schemas given.
func NewCatalog(extra ...*Schema) (*Catalog, error) {
	c := &Catalog{schemas: make(map[string]*Schema)}
	for _, s := range Builtins() {
		c.schemas[s.Name] = s
	}
	for _, s := range extra {
		if err := c.Register(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a schema. Re-registering an identical layout is allowed;
// a conflicting layout for the same name is an error.
func (c *Catalog) Register(s *Schema) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.schemas[s.Name]; ok {
		if existing.Equal(s) {
			return nil
		}
		return fmt.Errorf("device type %q already declared with a different layout", s.Name)
	}
	c.schemas[s.Name] = s
	return nil
}

// Lookup returns the schema for a type tag.
func (c *Catalog) Lookup(typeName string) (*Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[typeName]
	return s, ok
}

// Types lists registered type tags in sorted order.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.schemas))
	for n := range c.schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewDevice creates an empty device whose type must be registered.
func (c *Catalog) NewDevice(id Identifier) (*Device, error) {
	s, ok := c.Lookup(id.Type)
	if !ok {
		return nil, fmt.Errorf("device %s: unknown device type %q", id, id.Type)
	}
	return New(id, s)
}
