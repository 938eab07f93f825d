package prototype

import "github.com/go-gl/mathgl/mgl32"

// Material names a shader and its default property values. Properties are vec4 slots keyed by
// name; scalar properties use the x component.
type Material struct {
	Name       string
	Shader     string
	Properties map[string]mgl32.Vec4
}

// NewMaterial creates a Material with no properties.
func NewMaterial(name, shader string) *Material {
	return &Material{Name: name, Shader: shader, Properties: make(map[string]mgl32.Vec4)}
}

// WithProperty sets a default property and returns the material for chaining.
func (m *Material) WithProperty(name string, value mgl32.Vec4) *Material {
	if m.Properties == nil {
		m.Properties = make(map[string]mgl32.Vec4)
	}
	m.Properties[name] = value
	return m
}
