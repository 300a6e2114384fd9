package triageflow

import (
	"fmt"
)

// Definition is the blueprint an engine drives instances through
type Definition struct {
	id          string
	name        string
	description string
	version     string

	// Nodes registered by ID
	nodes map[string]*Node

	graph       *ExecutionGraph
	suspendNode string
}

// NewDefinition creates an empty definition
func NewDefinition(id, name string) *Definition {
	return &Definition{
		id:      id,
		name:    name,
		version: "1.0",
		nodes:   make(map[string]*Node),
		graph:   NewExecutionGraph(),
	}
}

// ID returns the definition ID
func (d *Definition) ID() string {
	return d.id
}

// Name returns the definition name
func (d *Definition) Name() string {
	return d.name
}

// Description returns the definition description
func (d *Definition) Description() string {
	return d.description
}

// Version returns the definition version
func (d *Definition) Version() string {
	return d.version
}

// Graph returns the execution graph
func (d *Definition) Graph() *ExecutionGraph {
	return d.graph
}

// SetDescription sets the definition description
func (d *Definition) SetDescription(description string) {
	d.description = description
}

// SetVersion sets the definition version
func (d *Definition) SetVersion(version string) {
	d.version = version
}

// AddNode registers a node and adds it to the graph
func (d *Definition) AddNode(n *Node) {
	d.nodes[n.ID] = n
	d.graph.AddNode(n.ID)
	if n.Suspend {
		d.suspendNode = n.ID
	}
}

// Node retrieves a node by ID
func (d *Definition) Node(nodeID string) (*Node, error) {
	n, exists := d.nodes[nodeID]
	if !exists {
		return nil, fmt.Errorf("node %s not found in definition", nodeID)
	}
	return n, nil
}

// Nodes returns all registered nodes
func (d *Definition) Nodes() map[string]*Node {
	return d.nodes
}

// EntryPoint returns the first node
func (d *Definition) EntryPoint() string {
	return d.graph.EntryPoint
}

// SuspendNode returns the ID of the node instances park on
func (d *Definition) SuspendNode() string {
	return d.suspendNode
}

// Validate checks the graph and the suspension discipline
func (d *Definition) Validate() error {
	if len(d.nodes) == 0 {
		return fmt.Errorf("definition has no nodes")
	}

	suspends := 0
	stages := make(map[Stage]string)
	for id, n := range d.nodes {
		if err := n.Validate(); err != nil {
			return err
		}
		if n.Suspend {
			suspends++
		}
		for _, s := range []Stage{n.Stage, n.SkipStage} {
			if s == "" {
				continue
			}
			if owner, taken := stages[s]; taken && owner != id {
				return fmt.Errorf("stage %s is produced by both %s and %s", s, owner, id)
			}
			stages[s] = id
		}
	}
	if suspends != 1 {
		return fmt.Errorf("definition must have exactly one suspension node, found %d", suspends)
	}

	return d.graph.Validate()
}

// ResumePoint returns the node to run for a state loaded from its latest
// checkpoint, or "" when nothing remains to run.
func (d *Definition) ResumePoint(state WorkflowState) (string, error) {
	switch {
	case state.Stage.IsTerminal():
		return "", nil
	case state.Stage == StageCreated:
		return d.EntryPoint(), nil
	case state.Stage == StageAwaitingDecision:
		return "", NewWorkflowError(ErrCodeValidation, "instance is awaiting a decision")
	case state.Stage.IsDecided() && state.Stage != StageActionExecuted:
		next, _, err := d.graph.Next(d.suspendNode, state)
		return next, err
	}

	for id, n := range d.nodes {
		if n.Stage == state.Stage || n.SkipStage == state.Stage {
			next, _, err := d.graph.Next(id, state)
			return next, err
		}
	}
	return "", NewWorkflowError(ErrCodeInternalError, fmt.Sprintf("no node produces stage %s", state.Stage))
}
