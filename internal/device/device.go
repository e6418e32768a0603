package device

import (
	"fmt"
	"unicode/utf8"
)

// Property is one named value of a device, in schema order.
type Property struct {
	Name  string
	Value Value
}

// Device is a named bag of typed properties owned by one engine.
type Device struct {
	id     Identifier
	schema *Schema
	values []Value
}

// New creates a device with every property unset.
func New(id Identifier, schema *Schema) (*Device, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if schema == nil || schema.Name != id.Type {
		return nil, fmt.Errorf("device %s: schema does not match type %q", id, id.Type)
	}
	return &Device{id: id, schema: schema, values: make([]Value, len(schema.Properties))}, nil
}

func (d *Device) ID() Identifier { return d.id }
func (d *Device) Schema() *Schema { return d.schema }

// Set assigns a property, checking its kind, the length of arrays and the
// encoding of strings.
func (d *Device) Set(name string, v Value) error {
	i, spec, ok := d.schema.Lookup(name)
	if !ok {
		return fmt.Errorf("device %s: unknown property %q", d.id, name)
	}
	if v.Kind() != spec.Kind {
		return fmt.Errorf("device %s: property %q is %s, got %s", d.id, name, spec.Kind, v.Kind())
	}
	if spec.Kind == KindArray && v.Len() != spec.Length {
		return fmt.Errorf("device %s: property %q needs %d elements, got %d", d.id, name, spec.Length, v.Len())
	}
	if spec.Kind == KindString && !utf8.ValidString(v.AsString()) {
		return fmt.Errorf("device %s: property %q is not valid UTF-8", d.id, name)
	}
	d.values[i] = v
	return nil
}

// MustSet is Set for values known to be valid.
func (d *Device) MustSet(name string, v Value) *Device {
	if err := d.Set(name, v); err != nil {
		panic(err)
	}
	return d
}

// Get returns a property value and whether it is set.
func (d *Device) Get(name string) (Value, bool) {
	i, _, ok := d.schema.Lookup(name)
	if !ok || !d.values[i].IsSet() {
		return Value{}, false
	}
	return d.values[i], true
}

// Properties returns the set properties in declaration order.
func (d *Device) Properties() []Property {
	props := make([]Property, 0, len(d.values))
	for i, v := range d.values {
		if v.IsSet() {
			props = append(props, Property{Name: d.schema.Properties[i].Name, Value: v})
		}
	}
	return props
}

// Missing lists required properties that are unset.
func (d *Device) Missing() []string {
	var missing []string
	for i, spec := range d.schema.Properties {
		if !spec.Optional && !d.values[i].IsSet() {
			missing = append(missing, spec.Name)
		}
	}
	return missing
}

// Complete reports an error naming the first unset required property.
func (d *Device) Complete() error {
	if m := d.Missing(); len(m) > 0 {
		return fmt.Errorf("device %s: missing required properties %v", d.id, m)
	}
	return nil
}

// Equal compares identifier and every property value.
func (d *Device) Equal(o *Device) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.id != o.id || len(d.values) != len(o.values) {
		return false
	}
	for i := range d.values {
		if !d.values[i].Equal(o.values[i]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. Values are immutable once built, so sharing
// them is safe.
func (d *Device) Clone() *Device {
	c := &Device{id: d.id, schema: d.schema, values: make([]Value, len(d.values))}
	copy(c.values, d.values)
	return c
}

func (d *Device) String() string {
	return fmt.Sprintf("%s%v", d.id, d.Properties())
}
