package device

// Built-in device type tags. These are also the kinds with a static
// schema on the RPC transport.
const (
	TypeJoint   = "joint"
	TypeLink    = "link"
	TypeRawData = "raw_data"
	TypeStatus  = "status"
)

var (
	jointSchema = MustSchema(TypeJoint,
		PropertySpec{Name: "position", Kind: KindFloat},
		PropertySpec{Name: "velocity", Kind: KindFloat},
		PropertySpec{Name: "effort", Kind: KindFloat},
	)
	linkSchema = MustSchema(TypeLink,
		PropertySpec{Name: "position", Kind: KindArray, Length: 3},
		PropertySpec{Name: "orientation", Kind: KindArray, Length: 4},
		PropertySpec{Name: "linear_velocity", Kind: KindArray, Length: 3},
		PropertySpec{Name: "angular_velocity", Kind: KindArray, Length: 3},
	)
	rawDataSchema = MustSchema(TypeRawData,
		PropertySpec{Name: "data", Kind: KindBytes},
	)
	statusSchema = MustSchema(TypeStatus,
		PropertySpec{Name: "code", Kind: KindInt},
		PropertySpec{Name: "message", Kind: KindString},
		PropertySpec{Name: "payload", Kind: KindBytes},
		PropertySpec{Name: "samples", Kind: KindVector, Optional: true},
		PropertySpec{Name: "state", Kind: KindOpaque, Optional: true},
	)
)

// Builtins returns the schemas every catalog starts with.
func Builtins() []*Schema {
	return []*Schema{jointSchema, linkSchema, rawDataSchema, statusSchema}
}
