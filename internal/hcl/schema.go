package hcl

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes every top-level block and attribute a file may carry.
type fileRoot struct {
	Plugins     []string      `hcl:"plugins,optional"`
	NotifyURL   string        `hcl:"notify_url,optional"`
	Simulations []*simulation `hcl:"simulation,block"`
	DeviceTypes []*deviceType `hcl:"device_type,block"`
	Engines     []*engine     `hcl:"engine,block"`
	Links       []*link       `hcl:"link,block"`
	Remain      hcl.Body      `hcl:",remain"`
}

type simulation struct {
	Name     string `hcl:"name,label"`
	TimeStep string `hcl:"timestep"`
	Timeout  string `hcl:"timeout,optional"`
}

type deviceType struct {
	Name       string      `hcl:"name,label"`
	Properties []*property `hcl:"property,block"`
}

type property struct {
	Name     string `hcl:"name,label"`
	Kind     string `hcl:"kind"`
	Length   int    `hcl:"length,optional"`
	Required *bool  `hcl:"required,optional"`
}

type engine struct {
	Name           string            `hcl:"name,label"`
	Type           string            `hcl:"type"`
	LaunchCommand  string            `hcl:"launch_command,optional"`
	Command        string            `hcl:"command,optional"`
	Args           []string          `hcl:"args,optional"`
	Env            map[string]string `hcl:"env,optional"`
	Address        string            `hcl:"address,optional"`
	CommandTimeout string            `hcl:"command_timeout,optional"`
	Settings       *settings         `hcl:"settings,block"`
}

// settings holds arbitrary engine-specific attributes.
type settings struct {
	Body hcl.Body `hcl:",remain"`
}

type link struct {
	Device string   `hcl:"device"`
	Type   string   `hcl:"type"`
	From   string   `hcl:"from"`
	To     []string `hcl:"to"`
}
