package builder

import "github.com/sicko7947/triageflow"

// DefinitionOption is a functional option for configuring definitions
type DefinitionOption func(*triageflow.Definition)

// WithDescription sets the definition description
func WithDescription(description string) DefinitionOption {
	return func(d *triageflow.Definition) {
		d.SetDescription(description)
	}
}

// WithVersion sets the definition version
func WithVersion(version string) DefinitionOption {
	return func(d *triageflow.Definition) {
		d.SetVersion(version)
	}
}

// ApplyOptions applies a list of options to a definition
func ApplyOptions(d *triageflow.Definition, opts ...DefinitionOption) {
	for _, opt := range opts {
		opt(d)
	}
}
