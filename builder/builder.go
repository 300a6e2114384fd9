package builder

import (
	"fmt"

	"github.com/sicko7947/triageflow"
)

// DefinitionBuilder provides a fluent API for building definitions
type DefinitionBuilder struct {
	definition  *triageflow.Definition
	lastNodeIDs []string
	chain       []string
}

// NewDefinition creates a new definition builder
func NewDefinition(id, name string, opts ...DefinitionOption) *DefinitionBuilder {
	b := &DefinitionBuilder{
		definition:  triageflow.NewDefinition(id, name),
		lastNodeIDs: []string{},
		chain:       []string{},
	}
	ApplyOptions(b.definition, opts...)
	return b
}

// WithDescription sets the definition description
func (b *DefinitionBuilder) WithDescription(description string) *DefinitionBuilder {
	b.definition.SetDescription(description)
	return b
}

// WithVersion sets the definition version
func (b *DefinitionBuilder) WithVersion(version string) *DefinitionBuilder {
	b.definition.SetVersion(version)
	return b
}

// Then chains the given node after the last added node(s)
func (b *DefinitionBuilder) Then(node *triageflow.Node) *DefinitionBuilder {
	b.register(node)
	b.chainFromLast(node.ID)

	b.lastNodeIDs = []string{node.ID}
	b.chain = append(b.chain, node.ID)

	return b
}

// Sequence adds multiple nodes and chains them together in order
func (b *DefinitionBuilder) Sequence(nodes ...*triageflow.Node) *DefinitionBuilder {
	for _, n := range nodes {
		b.Then(n)
	}
	return b
}

// Branch attaches router to the last node and adds optional nodes it may select.
// The node after the branch is joined to the routing node and to every branch,
// so the router can also bypass the branch entirely.
//
// Example:
//
//	router := triageflow.ResponseModeRouter(map[string]string{
//	    "needs_response": "generate_response",
//	}, "notify")
//	builder.Then(detect).Branch(router, generate).Then(notify)
func (b *DefinitionBuilder) Branch(router triageflow.Router, nodes ...*triageflow.Node) *DefinitionBuilder {
	if len(b.lastNodeIDs) != 1 {
		panic(fmt.Sprintf("branch requires exactly one preceding node, have %d", len(b.lastNodeIDs)))
	}
	routing := b.lastNodeIDs[0]

	if err := b.definition.Graph().SetRouter(routing, router); err != nil {
		panic(fmt.Sprintf("failed to set router: %v", err))
	}

	newLastIDs := []string{routing}
	for _, n := range nodes {
		b.register(n)
		if err := b.definition.Graph().AddEdge(routing, n.ID); err != nil {
			panic(fmt.Sprintf("failed to add edge: %v", err))
		}
		newLastIDs = append(newLastIDs, n.ID)
		b.chain = append(b.chain, n.ID)
	}

	b.lastNodeIDs = newLastIDs
	return b
}

// Suspend chains the suspension node; the tick ends after its checkpoint
func (b *DefinitionBuilder) Suspend(node *triageflow.Node) *DefinitionBuilder {
	node.Suspend = true
	return b.Then(node)
}

// SetEntryPoint sets the definition entry point explicitly
func (b *DefinitionBuilder) SetEntryPoint(nodeID string) *DefinitionBuilder {
	if err := b.definition.Graph().SetEntryPoint(nodeID); err != nil {
		panic(fmt.Sprintf("failed to set entry point: %v", err))
	}
	return b
}

// Build finalizes and validates the definition
func (b *DefinitionBuilder) Build() (*triageflow.Definition, error) {
	if err := ValidateDefinition(b.definition); err != nil {
		return nil, err
	}
	return b.definition, nil
}

// MustBuild finalizes and validates the definition, panics on error
func (b *DefinitionBuilder) MustBuild() *triageflow.Definition {
	d, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build definition: %v", err))
	}
	return d
}

func (b *DefinitionBuilder) register(node *triageflow.Node) {
	if _, err := b.definition.Node(node.ID); err != nil {
		b.definition.AddNode(node)
	}
}

func (b *DefinitionBuilder) chainFromLast(nodeID string) {
	for _, lastID := range b.lastNodeIDs {
		if err := b.definition.Graph().AddEdge(lastID, nodeID); err != nil {
			panic(fmt.Sprintf("failed to add edge: %v", err))
		}
	}
}
