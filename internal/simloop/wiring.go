package simloop

import (
	"github.com/vk/lockstep/internal/config"
	"github.com/vk/lockstep/internal/device"
)

// Binding routes one output device of its producing engine to consumers.
type Binding struct {
	Source  device.Identifier
	Targets []string
}

// Wiring supplies the bindings executed after a tick's steps complete.
type Wiring interface {
	Bindings(tick uint64) []Binding
}

// StaticWiring executes the same bindings every tick.
type StaticWiring []Binding

func (w StaticWiring) Bindings(uint64) []Binding { return w }

// WiringFromLinks builds static bindings from configured links.
func WiringFromLinks(links []*config.Link) StaticWiring {
	w := make(StaticWiring, len(links))
	for i, l := range links {
		w[i] = Binding{Source: l.Source(), Targets: append([]string(nil), l.To...)}
	}
	return w
}
