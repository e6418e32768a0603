package device

import (
	"cmp"
	"fmt"
	"unicode/utf8"
)

// Identifier names one device instance process-wide. Name alone is not
// unique: two engines may both expose a device called "camera".
type Identifier struct {
	Name       string
	Type       string
	EngineName string
}

// NewIdentifier builds an Identifier from its three parts.
func NewIdentifier(name, typ, engine string) Identifier {
	return Identifier{Name: name, Type: typ, EngineName: engine}
}

// Compare orders identifiers by name, then type, then engine name.
func (id Identifier) Compare(other Identifier) int {
	if c := cmp.Compare(id.Name, other.Name); c != 0 {
		return c
	}
	if c := cmp.Compare(id.Type, other.Type); c != 0 {
		return c
	}
	return cmp.Compare(id.EngineName, other.EngineName)
}

// Less reports whether id sorts before other.
func (id Identifier) Less(other Identifier) bool {
	return id.Compare(other) < 0
}

// Validate rejects identifiers missing a name or a type tag. Every part
// must be valid UTF-8 so the text transport can carry it unchanged.
func (id Identifier) Validate() error {
	if id.Name == "" {
		return fmt.Errorf("device identifier has empty name")
	}
	if id.Type == "" {
		return fmt.Errorf("device %q has empty type", id.Name)
	}
	for _, part := range []string{id.Name, id.Type, id.EngineName} {
		if !utf8.ValidString(part) {
			return fmt.Errorf("device identifier %q is not valid UTF-8", part)
		}
	}
	return nil
}

func (id Identifier) String() string {
	return fmt.Sprintf("%s/%s:%s", id.EngineName, id.Name, id.Type)
}
